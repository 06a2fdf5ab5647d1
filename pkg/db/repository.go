package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

// Repository provides database operations for the journal
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const selectColumns = `
	SELECT id, kind, status, source, detail, rows_done, rows_total,
	       inconsistent, error_message, created_at, updated_at
	FROM operations`

// Create inserts a new operation record, assigning an ID if it has none.
func (r *Repository) Create(op *Operation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Status == "" {
		op.Status = StatusRunning
	}
	slog.Debug("database_create_operation", "operation_id", op.ID, "kind", op.Kind)

	query := `
		INSERT INTO operations (id, kind, status, source, detail, rows_done, rows_total, inconsistent, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		op.ID, op.Kind, op.Status, op.Source, op.Detail,
		op.RowsDone, op.RowsTotal, op.Inconsistent, op.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to insert operation")
	}
	return nil
}

// Update writes back every mutable field of an operation
func (r *Repository) Update(op *Operation) error {
	slog.Debug("database_update_operation", "operation_id", op.ID, "status", op.Status)

	query := `
		UPDATE operations
		SET status = ?, detail = ?, rows_done = ?, rows_total = ?, inconsistent = ?,
		    error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		op.Status, op.Detail, op.RowsDone, op.RowsTotal, op.Inconsistent, op.ErrorMessage, op.ID)
	if err != nil {
		slog.Error("database_update_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to update operation")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_operation_not_found_for_update", "operation_id", op.ID)
		return fmt.Errorf("operation not found: id=%s", op.ID)
	}
	return nil
}

// Get retrieves an operation by ID. A missing operation is (nil, nil).
func (r *Repository) Get(id string) (*Operation, error) {
	op, err := scanOperation(r.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "operation_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query operation")
	}
	return op, nil
}

// List retrieves the most recent operations, newest first. limit <= 0 means
// all of them.
func (r *Repository) List(limit int) ([]*Operation, error) {
	query := selectColumns + ` ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows iteration error")
	}
	return ops, nil
}

// LastConfigSave returns the most recent finished configuration save, or
// nil if there is none.
func (r *Repository) LastConfigSave() (*Operation, error) {
	query := selectColumns + ` WHERE kind = ? AND status != ? ORDER BY created_at DESC, rowid DESC LIMIT 1`
	op, err := scanOperation(r.db.QueryRow(query, KindConfigSave, StatusRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query last config save")
	}
	return op, nil
}

// ConfigInconsistent reports whether the last configuration save left the
// device partially written.
func (r *Repository) ConfigInconsistent() (bool, *Operation, error) {
	op, err := r.LastConfigSave()
	if err != nil || op == nil {
		return false, nil, err
	}
	return op.Inconsistent, op, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	var op Operation
	var source, detail, errorMessage sql.NullString

	err := s.Scan(
		&op.ID, &op.Kind, &op.Status, &source, &detail,
		&op.RowsDone, &op.RowsTotal, &op.Inconsistent, &errorMessage,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	op.Source = source.String
	op.Detail = detail.String
	op.ErrorMessage = errorMessage.String
	return &op, nil
}
