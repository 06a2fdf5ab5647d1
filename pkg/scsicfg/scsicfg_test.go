package scsicfg

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

func sampleTargets() []TargetConfig {
	a := Default(0)
	b := Default(1)
	b.Enabled = true
	b.DeviceType = DeviceOptical
	b.SDSectorStart = 4194304
	b.SCSISectors = 1024
	b.BytesPerSector = 2048
	b.Vendor = "ACME"
	b.ProductID = "CDROM"
	b.Revision = "1"
	b.Serial = "S1"
	b.Quirks = 1
	b.DeviceTypeModifier = 0x40
	b.VPD = []byte{0x00, 0x83, 0x00, 0x04, 'a', 'b'}
	a.SCSISectors = 4194304
	return []TargetConfig{a, b, Default(2), Default(3)}
}

func TestRecordSize(t *testing.T) {
	if n := binary.Size(record{}); n != RecordSize {
		t.Fatalf("record layout is %d bytes, want %d", n, RecordSize)
	}
}

func TestRoundTrip(t *testing.T) {
	for i, c := range sampleTargets() {
		raw, err := c.MarshalBinary()
		if err != nil {
			t.Fatalf("target %d: MarshalBinary failed: %v", i, err)
		}
		if len(raw) != RecordSize {
			t.Fatalf("target %d: got %d bytes", i, len(raw))
		}

		var got TargetConfig
		if err := got.UnmarshalBinary(raw); err != nil {
			t.Fatalf("target %d: UnmarshalBinary failed: %v", i, err)
		}
		if !reflect.DeepEqual(got, c) {
			t.Errorf("target %d round trip:\n got  %+v\n want %+v", i, got, c)
		}
	}
}

func TestLayout(t *testing.T) {
	c := Default(5)
	c.Enabled = true
	c.SDSectorStart = 0x01020304
	c.BytesPerSector = 0x0200

	raw, err := c.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if raw[0] != 0x85 {
		t.Errorf("id byte = 0x%02X, want 0x85", raw[0])
	}
	if string(raw[1:9]) != " codesrc" {
		t.Errorf("vendor = %q", raw[1:9])
	}
	if got := binary.LittleEndian.Uint32(raw[32:36]); got != 0x01020304 {
		t.Errorf("sd sector start = 0x%08X", got)
	}
	if got := binary.LittleEndian.Uint16(raw[40:42]); got != 512 {
		t.Errorf("bytes per sector = %d", got)
	}
	if string(raw[46:62]) != "1234567812345678" {
		t.Errorf("serial = %q", raw[46:62])
	}
}

func TestMarshalRejectsLongFields(t *testing.T) {
	c := Default(0)
	c.Vendor = "TOO-LONG-VENDOR"
	if _, err := c.MarshalBinary(); err == nil {
		t.Error("expected error for long vendor")
	}

	c = Default(0)
	c.SCSIID = 9
	if _, err := c.MarshalBinary(); err == nil {
		t.Error("expected error for id out of range")
	}
}

func TestMarshalRejectsTrailingNUL(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TargetConfig)
	}{
		{"vendor", func(c *TargetConfig) { c.Vendor = "AB\x00" }},
		{"product_id", func(c *TargetConfig) { c.ProductID = "DISK\x00\x00" }},
		{"serial", func(c *TargetConfig) { c.Serial = "\x00" }},
		{"vpd", func(c *TargetConfig) { c.VPD = []byte{0x41, 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default(0)
			tt.mutate(&c)
			_, err := c.MarshalBinary()
			if err == nil || !strings.Contains(err.Error(), "NUL") {
				t.Errorf("expected NUL error, got %v", err)
			}
		})
	}

	// Interior NULs survive the round trip.
	c := Default(0)
	c.Vendor = "A\x00B"
	c.VPD = []byte{0, 0x83, 0, 1}
	raw, err := c.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got TargetConfig
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if got.Vendor != c.Vendor || !bytes.Equal(got.VPD, c.VPD) {
		t.Errorf("got vendor %q vpd % X", got.Vendor, got.VPD)
	}
}

func TestUnmarshalShort(t *testing.T) {
	var c TargetConfig
	if err := c.UnmarshalBinary(make([]byte, 100)); err == nil {
		t.Error("expected error for short record")
	}
}

func TestDefault(t *testing.T) {
	for i := 0; i < 4; i++ {
		d := Default(i)
		if int(d.SCSIID) != i {
			t.Errorf("slot %d: scsi id %d", i, d.SCSIID)
		}
		if d.Enabled != (i == 0) {
			t.Errorf("slot %d: enabled = %v", i, d.Enabled)
		}
	}
	if err := Validate(Defaults(4)); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]TargetConfig)
		wantErr string
	}{
		{"valid", func([]TargetConfig) {}, ""},
		{"duplicate id", func(ts []TargetConfig) { ts[1].SCSIID = 0 }, "both use SCSI id 0"},
		{"overlap", func(ts []TargetConfig) { ts[1].SDSectorStart = 100 }, "overlap"},
		{"none enabled", func(ts []TargetConfig) {
			for i := range ts {
				ts[i].Enabled = false
			}
		}, "no target is enabled"},
		{"long serial", func(ts []TargetConfig) { ts[2].Serial = strings.Repeat("x", 17) }, "serial is 17 bytes"},
		{"disabled duplicate ignored", func(ts []TargetConfig) { ts[3].SCSIID = 0 }, ""},
		{"vendor trailing NUL", func(ts []TargetConfig) { ts[1].Vendor = "AB\x00" }, "vendor ends in a NUL byte"},
		{"vpd trailing NUL", func(ts []TargetConfig) { ts[3].VPD = []byte{0x41, 0} }, "target 3: vpd ends in a NUL byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := sampleTargets()
			tt.mutate(ts)
			err := Validate(ts)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var ice *errors.InvalidConfigError
			if !errors.As(err, &ice) {
				t.Fatalf("expected InvalidConfigError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	in := sampleTargets()[:2]
	in[1].VPD = nil

	if err := WriteFile(path, in); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	out, err := ReadFile(path, 4)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if len(out) != 4 {
		t.Fatalf("expected 4 targets, got %d", len(out))
	}
	if !reflect.DeepEqual(out[:2], in) {
		t.Errorf("file round trip:\n got  %+v\n want %+v", out[:2], in)
	}
	if !reflect.DeepEqual(out[2], Default(2)) {
		t.Errorf("missing slots should be defaults, got %+v", out[2])
	}

	if _, err := ReadFile(path, 1); err == nil {
		t.Error("expected error when file has more targets than the device")
	}
}

func TestParseDeviceType(t *testing.T) {
	for _, s := range []string{"fixed", "Optical", "3", "type_9"} {
		if _, err := ParseDeviceType(s); err != nil {
			t.Errorf("ParseDeviceType(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseDeviceType("tape"); err == nil {
		t.Error("expected error for unknown type")
	}
}
