// Package errors provides error wrapping utilities and the typed failures
// reported by device operations.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return stderrors.New(text) }

// TransportError is an I/O failure talking to the device. It always aborts
// the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError for op. Returns nil for nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if stderrors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// NotFoundError means no archive entry was accepted as firmware for the
// connected bootloader.
type NotFoundError struct {
	Archive string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no firmware for this device found in %s", e.Archive)
}

// ArchiveError means the container could not be opened or decompressed, or
// the extracted image could not be read.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("could not open firmware file %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// VersionTooLowError rejects a write-class operation on a device whose
// firmware is older than the supported minimum.
type VersionTooLowError struct {
	Have string
	Min  string
}

func (e *VersionTooLowError) Error() string {
	return fmt.Sprintf("firmware update required: device runs %s, minimum is %s", e.Have, e.Min)
}

// NoSessionError means the device personality an operation needs is not
// connected.
type NoSessionError struct {
	Want string
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("no %s device connected", e.Want)
}

// InvalidConfigError lists the problems that keep a target set from being
// saved.
type InvalidConfigError struct {
	Problems []string
}

func (e *InvalidConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
