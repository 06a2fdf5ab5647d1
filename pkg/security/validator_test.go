package security

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestValidateEntryName(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"SCSI2SD-V4.cyacd", false},
		{"firmware/SCSI2SD-V4.cyacd", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../fw.cyacd", false},
		{"dir/../../fw.cyacd", true},
		{"..\\..\\fw.cyacd", true},
	}

	for _, tt := range tests {
		err := v.ValidateEntryName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for entry: %s", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for entry %s: %v", tt.name, err)
		}
	}
}

func TestValidateSizes(t *testing.T) {
	v := NewValidator(100, 1000, 10.0)

	if err := v.ValidateImageSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}
	if err := v.ValidateImageSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
	if err := v.ValidateArchiveSize(1001); err == nil {
		t.Error("expected error for archive exceeding limit 1000")
	}

	unlimited := NewValidator(0, 0, 0)
	if err := unlimited.ValidateImageSize(1 << 40); err != nil {
		t.Errorf("zero limit should disable the check: %v", err)
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(1024, 10240, 10.0)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}
	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}
	if err := v.ValidateCompressionRatio(0, 1000); err != nil {
		t.Errorf("unknown compressed size should not be checked: %v", err)
	}
}

func TestLimitReader(t *testing.T) {
	v := NewValidator(10, 0, 0)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, v.LimitReader(strings.NewReader("0123456789"))); err != nil {
		t.Errorf("exactly the limit should pass: %v", err)
	}

	buf.Reset()
	if _, err := io.Copy(&buf, v.LimitReader(strings.NewReader("0123456789A"))); err == nil {
		t.Error("expected error past the limit")
	}
}
