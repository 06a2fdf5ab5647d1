package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	err := Wrap(io.EOF, "read row")
	if err.Error() != "read row: EOF" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped error should match io.EOF")
	}
}

func TestTransport(t *testing.T) {
	if Transport("ping", nil) != nil {
		t.Fatal("Transport(nil) should be nil")
	}

	err := Transport("write row", io.ErrUnexpectedEOF)
	var te *TransportError
	if !As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if te.Op != "write row" || !Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("unexpected transport error: %+v", te)
	}

	// Re-wrapping keeps the innermost operation name.
	again := Transport("save", fmt.Errorf("ctx: %w", err))
	if !As(again, &te) || te.Op != "write row" {
		t.Errorf("expected first op to survive, got %v", again)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&NotFoundError{Archive: "fw.zip"}, "fw.zip"},
		{&ArchiveError{Path: "fw.zip", Err: io.EOF}, "could not open firmware file fw.zip"},
		{&VersionTooLowError{Have: "3.5", Min: "4.0"}, "minimum is 4.0"},
		{&NoSessionError{Want: "bootloader"}, "no bootloader device"},
		{&InvalidConfigError{Problems: []string{"a", "b"}}, "a; b"},
	}

	for _, tt := range tests {
		if !strings.Contains(tt.err.Error(), tt.want) {
			t.Errorf("%T: message %q should contain %q", tt.err, tt.err.Error(), tt.want)
		}
	}
}
