package diag

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Report is what the device says about itself when it is first detected.
// None of it gates any operation.
type Report struct {
	FirmwareVersion string
	SDCapacity      uint32 // 512-byte sectors
	CSD             []byte
	CID             []byte

	// SelfTest is nil when the self test was not requested.
	SelfTest *bool
}

// FormatRegister renders a register as "<label> Register: [BADCRC ]<hex>".
func FormatRegister(label string, reg []byte) string {
	var b strings.Builder
	b.WriteString("SD ")
	b.WriteString(label)
	b.WriteString(" Register: ")
	if !RegisterCRCValid(reg) {
		b.WriteString("BADCRC ")
	}
	b.WriteString(hex.EncodeToString(reg))
	return b.String()
}

// Lines renders the report the way it is shown to the user.
func (r Report) Lines() []string {
	lines := []string{
		fmt.Sprintf("SCSI2SD Ready, firmware version %s", r.FirmwareVersion),
		fmt.Sprintf("SD Capacity (512-byte sectors): %d", r.SDCapacity),
		FormatRegister("CSD", r.CSD),
		FormatRegister("CID", r.CID),
	}
	if r.SelfTest != nil {
		result := "FAIL"
		if *r.SelfTest {
			result = "Passed"
		}
		lines = append(lines, "SCSI Self-Test: "+result)
	}
	return lines
}

// Log writes the report to the default logger.
func (r Report) Log() {
	attrs := []any{
		"firmware_version", r.FirmwareVersion,
		"sd_capacity_sectors", r.SDCapacity,
		"csd", hex.EncodeToString(r.CSD),
		"csd_crc_ok", RegisterCRCValid(r.CSD),
		"cid", hex.EncodeToString(r.CID),
		"cid_crc_ok", RegisterCRCValid(r.CID),
	}
	if r.SelfTest != nil {
		attrs = append(attrs, "self_test_passed", *r.SelfTest)
	}
	slog.Info("device_diagnostics", attrs...)
}
