package scsicfg

import (
	"fmt"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

// Default is the factory configuration of slot i. Only slot 0 is enabled.
func Default(i int) TargetConfig {
	return TargetConfig{
		SCSIID:           uint8(i) & idBits,
		Enabled:          i == 0,
		DeviceType:       DeviceFixed,
		Flags:            FlagEnableParity | FlagEnableUnitAttention,
		SCSISectors:      2147483648,
		BytesPerSector:   512,
		SectorsPerTrack:  63,
		HeadsPerCylinder: 255,
		Vendor:           " codesrc",
		ProductID:        "         SCSI2SD",
		Revision:         " 4.2",
		Serial:           "1234567812345678",
	}
}

// Defaults returns the factory configuration for n slots.
func Defaults(n int) []TargetConfig {
	out := make([]TargetConfig, n)
	for i := range out {
		out[i] = Default(i)
	}
	return out
}

// Validate checks a full target set can be written to the device. Enabled
// targets need distinct SCSI ids and disjoint SD sector ranges, and at least
// one target must be enabled.
func Validate(targets []TargetConfig) error {
	var problems []string

	byID := make(map[uint8]int)
	enabled := 0
	for i, t := range targets {
		problems = append(problems, fieldProblems(i, t)...)
		if !t.Enabled {
			continue
		}
		enabled++

		if j, ok := byID[t.SCSIID]; ok {
			problems = append(problems, fmt.Sprintf("targets %d and %d both use SCSI id %d", j, i, t.SCSIID))
		} else {
			byID[t.SCSIID] = i
		}

		for j := 0; j < i; j++ {
			o := targets[j]
			if o.Enabled && overlaps(o, t) {
				problems = append(problems, fmt.Sprintf("targets %d and %d overlap on the SD card", j, i))
			}
		}
	}
	if enabled == 0 {
		problems = append(problems, "no target is enabled")
	}

	if len(problems) > 0 {
		return &errors.InvalidConfigError{Problems: problems}
	}
	return nil
}

func fieldProblems(i int, t TargetConfig) []string {
	var p []string
	if t.SCSIID > idBits {
		p = append(p, fmt.Sprintf("target %d: SCSI id %d out of range 0-7", i, t.SCSIID))
	}
	if t.BytesPerSector == 0 {
		p = append(p, fmt.Sprintf("target %d: bytes per sector is zero", i))
	}
	fields := []struct {
		name  string
		value []byte
		max   int
	}{
		{"vendor", []byte(t.Vendor), vendorLen},
		{"product id", []byte(t.ProductID), productLen},
		{"revision", []byte(t.Revision), revisionLen},
		{"serial", []byte(t.Serial), serialLen},
		{"vpd", t.VPD, vpdLen},
	}
	for _, f := range fields {
		if len(f.value) > f.max {
			p = append(p, fmt.Sprintf("target %d: %s is %d bytes, max %d", i, f.name, len(f.value), f.max))
		}
		if trailingNUL(f.value) {
			p = append(p, fmt.Sprintf("target %d: %s ends in a NUL byte", i, f.name))
		}
	}
	return p
}

func overlaps(a, b TargetConfig) bool {
	aStart, bStart := uint64(a.SDSectorStart), uint64(b.SDSectorStart)
	aEnd, bEnd := aStart+a.SDSectors(), bStart+b.SDSectors()
	return aStart < bEnd && bStart < aEnd
}
