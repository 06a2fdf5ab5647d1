package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/scsi2sd/scsi2sd-util/internal/config"
	"github.com/scsi2sd/scsi2sd-util/pkg/db"
	"github.com/scsi2sd/scsi2sd-util/pkg/diag"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/security"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport/usbhid"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(journalPath, fsmDBPath, workDir string) error {
	// Create journal directory
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}

	// Create FSM database directory (only needed for firmware update)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed for firmware commands)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func openJournal(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg.JournalPath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.JournalPath)
	if err != nil {
		return nil, errors.Wrap(err, "journal init failed")
	}
	return repo, nil
}

// device bundles the USB transport with the session manager on top of it.
type device struct {
	transport *usbhid.Transport
	sessions  *session.Manager
}

func (d *device) Close() {
	d.sessions.Close()
	if err := d.transport.Close(); err != nil {
		slog.Debug("usbhid_close_failed", "error", err)
	}
}

func openDevice(cfg *config.Config) (*device, error) {
	key, err := cfg.Key()
	if err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	t, err := usbhid.New(usbhid.Config{
		NormalVID:       cfg.NormalVID,
		NormalPID:       cfg.NormalPID,
		BootloaderVID:   cfg.BootloaderVID,
		BootloaderPID:   cfg.BootloaderPID,
		Timeout:         cfg.HIDTimeout,
		RowSize:         cfg.Grid().RowSize,
		FirmwarePattern: cfg.FirmwarePattern,
		BootloaderKey:   key,
	})
	if err != nil {
		return nil, errors.Wrap(err, "usb transport failed")
	}

	sessions := session.NewManager(t, session.Options{
		MinVersion:     transport.FirmwareVersion(cfg.MinFirmwareVersion),
		SelfTest:       cfg.SelfTest,
		SearchInterval: cfg.BootloaderSearchInterval,
		OnConnect:      printReport,
	})
	return &device{transport: t, sessions: sessions}, nil
}

// printReport shows the connect diagnostics. The session has already logged
// them.
func printReport(r diag.Report) {
	for _, line := range r.Lines() {
		fmt.Println(line)
	}
}

func newValidator(cfg *config.Config) *security.Validator {
	return security.NewValidator(cfg.MaxImageSize, cfg.MaxArchiveSize, cfg.MaxCompressionRatio)
}

// signalContext is cancelled by Ctrl-C, which every long operation observes
// through its progress sink.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func progressSink(ctx context.Context, event string) progress.Sink {
	return progress.WithContext(ctx, progress.Log(event, progress.Writer(os.Stderr)))
}

// report prints the one-line outcome. Cancellation is not a failure.
func report(res progress.Result, err error) error {
	fmt.Println(res.String())
	if err != nil {
		return err
	}
	if res.Status == progress.StatusFailed {
		return errors.New(res.Message)
	}
	return nil
}

func warnIfInconsistent(repo *db.Repository) {
	bad, op, err := repo.ConfigInconsistent()
	if err != nil {
		slog.Warn("journal_query_failed", "error", err)
		return
	}
	if bad {
		fmt.Printf("WARNING: the last configuration save (%s) wrote %d of %d rows. The device configuration is inconsistent until a save succeeds.\n",
			op.UpdatedAt, op.RowsDone, op.RowsTotal)
	}
}

// journal records an operation and returns a function that stores its
// outcome. A journal failure is logged and never fails the operation.
func journal(repo *db.Repository, kind, source string) func(progress.Result) {
	op := &db.Operation{Kind: kind, Source: source}
	if err := repo.Create(op); err != nil {
		slog.Warn("journal_create_failed", "kind", kind, "error", err)
		return func(progress.Result) {}
	}
	return func(res progress.Result) {
		op.Apply(res)
		if err := repo.Update(op); err != nil {
			slog.Warn("journal_update_failed", "operation_id", op.ID, "error", err)
		}
	}
}
