// Package persist reads and writes the target configuration set through the
// normal-mode device session, one flash row at a time.
package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/flashgrid"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/scsicfg"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
)

// Store maps target slots onto the configuration rows of the grid.
type Store struct {
	sessions *session.Manager
	grid     flashgrid.Grid
}

// NewStore returns a store for grid. The grid must hold a full record per
// slot.
func NewStore(m *session.Manager, grid flashgrid.Grid) (*Store, error) {
	if grid.RecordSize() < scsicfg.RecordSize {
		return nil, fmt.Errorf("grid slot is %d bytes, a target record needs %d", grid.RecordSize(), scsicfg.RecordSize)
	}
	return &Store{sessions: m, grid: grid}, nil
}

// Load reads len(current) slots. current supplies the value of every slot
// that is not read: if the sink cancels, the slots read completely so far are
// replaced and the rest are returned as given. Load works on firmware older
// than the write minimum. A read failure discards everything.
func (s *Store) Load(ctx context.Context, current []scsicfg.TargetConfig, sink progress.Sink) ([]scsicfg.TargetConfig, progress.Result, error) {
	release := s.sessions.Suspend()
	defer release()
	sink = progress.WithContext(ctx, sink)

	total := s.grid.TotalRows(len(current))
	if err := s.grid.Validate(len(current)); err != nil {
		return nil, progress.Failed(0, total, err), err
	}

	dev, _, err := s.sessions.Normal()
	if err != nil {
		return nil, progress.Failed(0, total, err), err
	}

	out := append([]scsicfg.TargetConfig(nil), current...)
	slog.Info("config_load_started", "targets", len(current), "rows", total)

	if !sink.Update(0, total, "Loading config settings") {
		return s.loadCancelled(out, 0, total)
	}

	done := 0
	raw := make([]byte, 0, s.grid.RecordSize())
	for slot, addr := range s.grid.Rows(len(current)) {
		row, err := dev.ReadFlashRow(addr.Array, addr.Row)
		if err != nil {
			s.sessions.Invalidate()
			err = errors.Transport(fmt.Sprintf("read %s", addr), err)
			slog.Error("config_load_failed", "rows_read", done, "error", err)
			return nil, progress.Failed(done, total, err), err
		}
		if len(row) != s.grid.RowSize {
			s.sessions.Invalidate()
			err = errors.Transport(fmt.Sprintf("read %s", addr),
				fmt.Errorf("got %d bytes, row is %d", len(row), s.grid.RowSize))
			return nil, progress.Failed(done, total, err), err
		}
		raw = append(raw, row...)
		done++
		slog.Debug("config_row_read", "array", addr.Array, "row", addr.Row)

		if len(raw) == s.grid.RecordSize() {
			if err := out[slot].UnmarshalBinary(raw); err != nil {
				return nil, progress.Failed(done, total, err), err
			}
			raw = raw[:0]
		}

		msg := fmt.Sprintf("Reading flash array %d row %d", addr.Array, addr.Row)
		if done == total {
			msg = "Load Complete."
		}
		if !sink.Update(done, total, msg) && done < total {
			return s.loadCancelled(out, done, total)
		}
	}

	slog.Info("config_load_complete", "targets", len(current))
	return out, progress.Succeeded(done, total, "Load Complete."), nil
}

func (s *Store) loadCancelled(out []scsicfg.TargetConfig, done, total int) ([]scsicfg.TargetConfig, progress.Result, error) {
	slog.Info("config_load_cancelled", "rows_read", done, "slots_read", done/s.grid.RowsPerSlot)
	return out, progress.Cancelled(done, total, "Load Aborted"), nil
}

// Save validates and writes every slot in increasing row order, then reboots
// the device so the configuration takes effect. Nothing is written if the
// firmware is too old or the set is invalid. A write failure stops
// immediately without the reboot and leaves the device configuration
// partially written; the result is marked Inconsistent when any row made it.
func (s *Store) Save(ctx context.Context, configs []scsicfg.TargetConfig, sink progress.Sink) (progress.Result, error) {
	release := s.sessions.Suspend()
	defer release()
	sink = progress.WithContext(ctx, sink)

	total := s.grid.TotalRows(len(configs))

	dev, err := s.sessions.RequireWritable()
	if err != nil {
		return progress.Failed(0, total, err), err
	}
	if err := s.grid.Validate(len(configs)); err != nil {
		return progress.Failed(0, total, err), err
	}
	if err := scsicfg.Validate(configs); err != nil {
		return progress.Failed(0, total, err), err
	}

	chunks := make([][][]byte, len(configs))
	for i, c := range configs {
		record, err := c.MarshalBinary()
		if err != nil {
			err = errors.Wrap(err, fmt.Sprintf("target %d", i))
			return progress.Failed(0, total, err), err
		}
		if chunks[i], err = s.grid.Chunk(record); err != nil {
			return progress.Failed(0, total, err), err
		}
	}

	slog.Info("config_save_started", "targets", len(configs), "rows", total)
	if !sink.Update(0, total, "Saving config settings") {
		return s.saveCancelled(0, total)
	}

	done := 0
	for slot, addr := range s.grid.Rows(len(configs)) {
		slotFirst, _ := s.grid.Slot(slot)
		data := chunks[slot][int(addr.Row)-slotFirst]

		if err := dev.WriteFlashRow(addr.Array, addr.Row, data); err != nil {
			s.sessions.Invalidate()
			err = errors.Transport(fmt.Sprintf("write %s", addr), err)
			slog.Error("config_save_failed",
				"rows_written", done,
				"failed_row", addr.Row,
				"error", err)
			res := progress.Failed(done, total, err)
			res.Inconsistent = done > 0
			return res, err
		}
		done++
		slog.Debug("config_row_written", "array", addr.Array, "row", addr.Row)

		msg := fmt.Sprintf("Programming flash array %d row %d", addr.Array, addr.Row)
		if done == total {
			msg = "Save Complete."
		}
		if !sink.Update(done, total, msg) && done < total {
			return s.saveCancelled(done, total)
		}
	}

	// Reboot so new settings take effect.
	if err := s.sessions.RequestBootloaderEntry(); err != nil {
		err = errors.Wrap(err, "reboot after save")
		slog.Error("config_save_reboot_failed", "error", err)
		return progress.Failed(done, total, err), err
	}

	slog.Info("config_save_complete", "targets", len(configs))
	return progress.Succeeded(done, total, "Save Complete."), nil
}

func (s *Store) saveCancelled(done, total int) (progress.Result, error) {
	slog.Warn("config_save_cancelled", "rows_written", done, "total_rows", total)
	res := progress.Cancelled(done, total, "Save Aborted")
	res.Inconsistent = done > 0
	return res, nil
}
