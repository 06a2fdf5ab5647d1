package commands

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/scsi2sd/scsi2sd-util/pkg/db"
	"github.com/scsi2sd/scsi2sd-util/pkg/diag"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
)

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "a", "journal.db")
	fsmPath := filepath.Join(dir, "b", "fsm")
	workDir := filepath.Join(dir, "c")

	if err := ensureDirectories(journalPath, fsmPath, workDir); err != nil {
		t.Fatalf("ensureDirectories failed: %v", err)
	}
	for _, p := range []string{filepath.Dir(journalPath), fsmPath, workDir} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("%s was not created", p)
		}
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		name    string
		res     progress.Result
		err     error
		wantErr bool
	}{
		{"succeeded", progress.Succeeded(4, 4, "done"), nil, false},
		{"cancelled", progress.Cancelled(1, 4, "Load Aborted"), nil, false},
		{"failed result", progress.Failed(2, 4, errors.New("row 2")), nil, true},
		{"error", progress.Failed(0, 4, errors.New("no device")), errors.New("no device"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := report(tt.res, tt.err); (err != nil) != tt.wantErr {
				t.Errorf("report() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperationResult(t *testing.T) {
	tests := []struct {
		status string
		want   progress.Status
	}{
		{db.StatusSucceeded, progress.StatusSucceeded},
		{db.StatusCancelled, progress.StatusCancelled},
		{db.StatusFailed, progress.StatusFailed},
		{db.StatusRunning, progress.StatusFailed},
	}
	for _, tt := range tests {
		res := operationResult(&db.Operation{Status: tt.status, RowsDone: 3, RowsTotal: 9, ErrorMessage: "boom"})
		if res.Status != tt.want || res.Completed != 3 || res.Total != 9 {
			t.Errorf("%s: got %+v", tt.status, res)
		}
	}
}

func TestJournalRecordsOutcome(t *testing.T) {
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	record := journal(repo, db.KindConfigSave, "targets.yaml")
	res := progress.Failed(5, 16, errors.New("write failed"))
	res.Inconsistent = true
	record(res)

	bad, op, err := repo.ConfigInconsistent()
	if err != nil {
		t.Fatal(err)
	}
	if !bad || op.Source != "targets.yaml" || op.RowsDone != 5 {
		t.Errorf("unexpected journal entry %+v", op)
	}
}

func TestPatternMatcher(t *testing.T) {
	m := patternMatcher("*.cyacd")
	if !m.IsCorrectFirmware("v4.2/SCSI2SD.cyacd") || m.IsCorrectFirmware("README") {
		t.Error("pattern matcher does not follow the glob")
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestPrintReportDoesNotLog(t *testing.T) {
	logs := captureLogs(t)
	printReport(diag.Report{FirmwareVersion: "4.2", CSD: make([]byte, 16), CID: make([]byte, 16)})
	if logs.Len() != 0 {
		t.Errorf("diagnostics must be logged once by the session, got %q", logs.String())
	}
}

func TestProgressSinkLogsUpdates(t *testing.T) {
	logs := captureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	sink := progressSink(ctx, "config_save_progress")

	if !sink.Update(1, 4, "Programming flash array 1 row 0") {
		t.Error("live context should not cancel")
	}
	if !bytes.Contains(logs.Bytes(), []byte("config_save_progress")) {
		t.Errorf("update was not logged: %q", logs.String())
	}

	cancel()
	if sink.Update(2, 4, "Programming flash array 1 row 1") {
		t.Error("cancelled context should stop the operation")
	}
}

type releaseSet map[string]bool

func (r releaseSet) Exists(_ context.Context, key string) (bool, error) {
	if key == "broken" {
		return false, errors.New("access denied")
	}
	return r[key], nil
}

func TestRequireRelease(t *testing.T) {
	releases := releaseSet{"releases/v4.2.zip": true}
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"releases/v4.2.zip", false},
		{"releases/v9.zip", true},
		{"broken", true},
	}
	for _, tt := range tests {
		if err := requireRelease(context.Background(), releases, tt.key); (err != nil) != tt.wantErr {
			t.Errorf("requireRelease(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}
