package firmware

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/security"
)

// Matcher decides whether an archive entry is firmware for the connected
// hardware. The bootloader handle is the usual implementation.
type Matcher interface {
	IsCorrectFirmware(entryName string) bool
}

// Image is an extracted firmware file ready to be programmed.
type Image struct {
	Path      string
	EntryName string
	Archive   string
	TotalRows int
}

// Remove deletes the working file.
func (img *Image) Remove() error {
	if img == nil || img.Path == "" {
		return nil
	}
	if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove firmware image")
	}
	return nil
}

// Locator extracts firmware from archives.
type Locator struct {
	validator *security.Validator
	workDir   string
}

// NewLocator returns a locator that writes working files to workDir, or the
// system temp dir when workDir is empty.
func NewLocator(validator *security.Validator, workDir string) *Locator {
	if validator == nil {
		validator = security.NewValidator(0, 0, 0)
	}
	return &Locator{validator: validator, workDir: workDir}
}

// Locate walks the archive in container order and extracts the first entry
// m accepts. Later matches are ignored. No match is a NotFoundError; an
// unreadable archive or image is an ArchiveError. The sink is consulted after
// each rejected entry and can cancel the search.
func (l *Locator) Locate(ctx context.Context, archivePath string, m Matcher, sink progress.Sink) (*Image, progress.Result, error) {
	sink = progress.WithContext(ctx, sink)
	slog.Info("firmware_locate_started", "archive", archivePath)

	fi, err := os.Stat(archivePath)
	if err != nil {
		return l.fail(0, &errors.ArchiveError{Path: archivePath, Err: err})
	}
	if err := l.validator.ValidateArchiveSize(fi.Size()); err != nil {
		return l.fail(0, &errors.ArchiveError{Path: archivePath, Err: err})
	}

	var (
		img       *Image
		checked   int
		cancelled bool
	)
	walkErr := Walk(archivePath, func(e *Entry) error {
		checked++
		if err := l.validator.ValidateEntryName(e.Name); err != nil {
			return err
		}
		if !m.IsCorrectFirmware(e.Name) {
			slog.Debug("firmware_entry_rejected", "entry", e.Name)
			if !sink.Update(checked, 0, "Checked "+e.Name) {
				cancelled = true
				return fs.SkipAll
			}
			return nil
		}

		slog.Info("firmware_entry_found", "entry", e.Name, "archive", archivePath)
		extracted, err := l.extract(e)
		if err != nil {
			return err
		}
		img = &Image{Path: extracted, EntryName: e.Name, Archive: archivePath}
		return fs.SkipAll
	})

	if walkErr != nil {
		return l.fail(checked, &errors.ArchiveError{Path: archivePath, Err: walkErr})
	}
	if cancelled {
		slog.Info("firmware_locate_cancelled", "archive", archivePath, "entries_checked", checked)
		return nil, progress.Cancelled(checked, 0, "Firmware search cancelled"), nil
	}
	if img == nil {
		return l.fail(checked, &errors.NotFoundError{Archive: archivePath})
	}

	parsed, err := cyacd.Parse(img.Path)
	if err != nil {
		_ = img.Remove()
		return l.fail(checked, &errors.ArchiveError{Path: archivePath, Err: err})
	}
	img.TotalRows = len(parsed.Rows)

	slog.Info("firmware_extracted",
		"entry", img.EntryName,
		"path", img.Path,
		"total_rows", img.TotalRows)

	msg := fmt.Sprintf("Found firmware entry %s within archive %s", img.EntryName, archivePath)
	return img, progress.Succeeded(checked, 0, msg), nil
}

func (l *Locator) extract(e *Entry) (string, error) {
	if err := l.validator.ValidateImageSize(e.Size); err != nil {
		return "", err
	}
	if err := l.validator.ValidateCompressionRatio(e.CompressedSize, e.Size); err != nil {
		return "", err
	}

	rc, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("failed to decompress %s: %w", e.Name, err)
	}
	defer rc.Close()

	out, err := os.CreateTemp(l.workDir, "scsi2sd-firmware-*.cyacd")
	if err != nil {
		return "", fmt.Errorf("failed to create working file: %w", err)
	}

	if _, err := io.Copy(out, l.validator.LimitReader(rc)); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to decompress %s: %w", e.Name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write working file: %w", err)
	}
	return out.Name(), nil
}

func (l *Locator) fail(checked int, err error) (*Image, progress.Result, error) {
	slog.Error("firmware_locate_failed", "error", err)
	return nil, progress.Failed(checked, 0, err), err
}
