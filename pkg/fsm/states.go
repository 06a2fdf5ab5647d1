package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/superfly/fsm"

	"github.com/scsi2sd/scsi2sd-util/pkg/db"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/firmware"
	"github.com/scsi2sd/scsi2sd-util/pkg/flash"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
	"github.com/scsi2sd/scsi2sd-util/pkg/storage"
)

// ErrCancelled ends a run the user stopped before any row was written.
var ErrCancelled = errors.New("firmware update cancelled")

// Downloader fetches a release archive to a local path.
type Downloader interface {
	Download(ctx context.Context, key, localPath string) (*storage.DownloadResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	releases   Downloader
	sessions   *session.Manager
	locator    *firmware.Locator
	programmer *flash.Programmer
	sink       progress.Sink
	workDir    string
}

// NewMachine creates a new FSM machine with dependencies. repo and releases
// may be nil: runs are then not journaled and cannot fetch from S3.
func NewMachine(
	repo *db.Repository,
	releases Downloader,
	sessions *session.Manager,
	locator *firmware.Locator,
	sink progress.Sink,
	workDir string,
) *Machine {
	return &Machine{
		repo:       repo,
		releases:   releases,
		sessions:   sessions,
		locator:    locator,
		programmer: flash.NewProgrammer(sessions),
		sink:       progress.OrDiscard(sink),
		workDir:    workDir,
	}
}

// A firmware update is never retried: a failed load leaves the device in
// its bootloader and the user decides what happens next.
func noRetry(ctx context.Context, state string, req *UpdateRequest) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
		slog.Error("fsm_retry_refused", "state", state, "source", req.Source(), "retry", retryCount)
		return fmt.Errorf("%s: firmware update is not retried", state)
	}
	return nil
}

func responseOf(req *fsm.Request[UpdateRequest, UpdateResponse]) *UpdateResponse {
	if req.W.Msg == nil {
		return &UpdateResponse{}
	}
	return req.W.Msg
}

// fetch resolves the archive to program, downloading it when the run names a
// release key.
func (m *Machine) fetch(ctx context.Context, req *UpdateRequest, resp *UpdateResponse) error {
	if req.S3Key == "" {
		if req.ArchivePath == "" {
			return fmt.Errorf("no firmware archive given")
		}
		resp.ArchivePath = req.ArchivePath
		return nil
	}
	if m.releases == nil {
		return fmt.Errorf("no release bucket configured")
	}

	downloadDir := filepath.Join(m.workDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		slog.Error("download_dir_creation_failed", "path", downloadDir, "error", err)
		return errors.Wrap(err, "failed to create download dir")
	}

	localPath := filepath.Join(downloadDir, filepath.Base(req.S3Key))
	result, err := m.releases.Download(ctx, req.S3Key, localPath)
	if err != nil {
		return errors.Wrap(err, "failed to download release")
	}
	resp.ArchivePath = result.LocalPath
	resp.SHA256 = result.SHA256
	return nil
}

func (m *Machine) awaitBootloader(ctx context.Context, req *UpdateRequest, resp *UpdateResponse) error {
	res := m.sessions.AwaitBootloader(ctx, m.sink)
	if res.Status == progress.StatusCancelled {
		m.finish(req, resp, res)
		return ErrCancelled
	}
	return nil
}

func (m *Machine) locate(ctx context.Context, req *UpdateRequest, resp *UpdateResponse) error {
	boot, err := m.sessions.Bootloader()
	if err != nil {
		m.finish(req, resp, progress.Failed(0, 0, err))
		return err
	}

	img, res, err := m.locator.Locate(ctx, resp.ArchivePath, boot, m.sink)
	if err != nil {
		m.finish(req, resp, res)
		return err
	}
	if res.Status == progress.StatusCancelled {
		m.finish(req, resp, res)
		return ErrCancelled
	}

	resp.ImagePath = img.Path
	resp.EntryName = img.EntryName
	resp.TotalRows = img.TotalRows
	m.sink.Update(0, img.TotalRows, "Found firmware entry "+img.EntryName)
	return nil
}

func (m *Machine) program(ctx context.Context, req *UpdateRequest, resp *UpdateResponse) error {
	img := &firmware.Image{
		Path:      resp.ImagePath,
		EntryName: resp.EntryName,
		Archive:   resp.ArchivePath,
		TotalRows: resp.TotalRows,
	}
	res, err := m.programmer.Program(ctx, img, m.sink)
	resp.RowsWritten = res.Completed
	if err != nil {
		m.finish(req, resp, res)
		return err
	}
	return nil
}

func (m *Machine) complete(_ context.Context, req *UpdateRequest, resp *UpdateResponse) error {
	m.finish(req, resp, progress.Succeeded(resp.RowsWritten, resp.TotalRows, "Firmware update successful"))
	return nil
}

// finish writes the outcome into the response and the journal.
func (m *Machine) finish(req *UpdateRequest, resp *UpdateResponse, res progress.Result) {
	resp.Status = res.Status.String()
	resp.ErrorMessage = ""
	if res.Status == progress.StatusFailed {
		resp.ErrorMessage = res.Message
	}

	if m.repo == nil || req.OperationID == "" {
		return
	}
	op, err := m.repo.Get(req.OperationID)
	if err != nil || op == nil {
		slog.Warn("journal_operation_missing", "operation_id", req.OperationID, "error", err)
		return
	}
	op.Apply(res)
	op.Detail = resp.EntryName
	if err := m.repo.Update(op); err != nil {
		slog.Warn("journal_update_failed", "operation_id", req.OperationID, "error", err)
	}
}

func failedResult(resp *UpdateResponse, err error) progress.Result {
	return progress.Failed(resp.RowsWritten, resp.TotalRows, err)
}

type step func(m *Machine, ctx context.Context, req *UpdateRequest, resp *UpdateResponse) error

// handler adapts a step to a transition. Every failure aborts the run.
func (m *Machine) handler(state string, s step) func(context.Context, *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	return func(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
		slog.Info("fsm_state_"+state, "source", req.Msg.Source())

		resp := responseOf(req)
		if err := noRetry(ctx, state, req.Msg); err != nil {
			m.finish(req.Msg, resp, failedResult(resp, err))
			return nil, fsm.Abort(err)
		}

		if err := s(m, ctx, req.Msg, resp); err != nil {
			if errors.Is(err, ErrCancelled) {
				slog.Info("fsm_cancelled", "state", state, "source", req.Msg.Source())
			} else {
				slog.Error("fsm_state_failed", "state", state, "source", req.Msg.Source(), "error", err)
				if resp.Status == "" {
					m.finish(req.Msg, resp, failedResult(resp, err))
				}
			}
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}
