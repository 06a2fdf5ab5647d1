// Package flash streams an extracted firmware image through the connected
// bootloader.
package flash

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/firmware"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
)

// Programmer writes firmware images using the manager's bootloader session.
type Programmer struct {
	sessions *session.Manager
}

// NewProgrammer returns a programmer bound to m.
func NewProgrammer(m *session.Manager) *Programmer {
	return &Programmer{sessions: m}
}

// Program loads img into the device. Once the bootloader starts writing the
// load runs to completion or failure: the sink sees every row but cannot
// stop it. Either way every handle is invalidated, because the device
// reboots or is in an unknown state, and the working file is removed. A
// failed load is never retried.
func (p *Programmer) Program(ctx context.Context, img *firmware.Image, sink progress.Sink) (progress.Result, error) {
	release := p.sessions.Suspend()
	defer release()
	defer func() {
		if err := img.Remove(); err != nil {
			slog.Warn("firmware_image_cleanup_failed", "path", img.Path, "error", err)
		}
	}()

	sink = progress.OrDiscard(sink)

	boot, err := p.sessions.Bootloader()
	if err != nil {
		return progress.Failed(0, img.TotalRows, err), err
	}

	total := img.TotalRows
	written := 0
	onRow := func(arrayID byte, row uint16) {
		written++
		sink.Update(written, total, fmt.Sprintf("Writing flash array %d row %d", arrayID, row))
	}

	slog.Info("firmware_program_started", "path", img.Path, "entry", img.EntryName, "total_rows", total)
	loadErr := boot.Load(ctx, img.Path, onRow)
	p.sessions.Invalidate()

	if loadErr != nil {
		slog.Error("firmware_program_failed",
			"rows_written", written,
			"total_rows", total,
			"error", loadErr)
		return progress.Failed(written, total, loadErr), errors.Transport("program firmware", loadErr)
	}

	slog.Info("firmware_program_complete", "rows_written", written)
	return progress.Succeeded(written, total, "Firmware update successful"), nil
}
