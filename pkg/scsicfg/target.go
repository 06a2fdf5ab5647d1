// Package scsicfg is the per-target configuration record stored in device
// flash, its byte-exact codec, defaults and set validation.
package scsicfg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RecordSize is the serialized size of one TargetConfig.
const RecordSize = 1024

const (
	idBits      = 0x07
	enabledFlag = 0x80

	vendorLen   = 8
	productLen  = 16
	revisionLen = 4
	serialLen   = 16
	reservedLen = 65
	vpdLen      = 896
)

// Flags are per-target option bits.
type Flags uint8

const (
	FlagEnableUnitAttention Flags = 1 << 0
	FlagEnableParity        Flags = 1 << 1
)

// TargetConfig is one SCSI target slot.
type TargetConfig struct {
	SCSIID             uint8      `yaml:"scsi_id"`
	Enabled            bool       `yaml:"enabled"`
	DeviceType         DeviceType `yaml:"device_type"`
	DeviceTypeModifier uint8      `yaml:"device_type_modifier"`
	Flags              Flags      `yaml:"flags"`
	Quirks             uint8      `yaml:"quirks"`

	SDSectorStart    uint32 `yaml:"sd_sector_start"`
	SCSISectors      uint32 `yaml:"scsi_sectors"`
	BytesPerSector   uint16 `yaml:"bytes_per_sector"`
	SectorsPerTrack  uint16 `yaml:"sectors_per_track"`
	HeadsPerCylinder uint16 `yaml:"heads_per_cylinder"`

	Vendor    string `yaml:"vendor"`
	ProductID string `yaml:"product_id"`
	Revision  string `yaml:"revision"`
	Serial    string `yaml:"serial"`

	// VPD is raw vital product data. It must not end in a zero byte.
	VPD []byte `yaml:"vpd,omitempty"`
}

// record is the on-flash little-endian layout.
type record struct {
	SCSIID             uint8
	Vendor             [vendorLen]byte
	ProductID          [productLen]byte
	Revision           [revisionLen]byte
	DeviceType         uint8
	Flags              uint8
	DeviceTypeModifier uint8
	SDSectorStart      uint32
	SCSISectors        uint32
	BytesPerSector     uint16
	SectorsPerTrack    uint16
	HeadsPerCylinder   uint16
	Serial             [serialLen]byte
	Quirks             uint8
	Reserved           [reservedLen]byte
	VPD                [vpdLen]byte
}

// MarshalBinary encodes c into exactly RecordSize bytes. Strings longer than
// their field, or ending in a NUL byte, are an error. Unused field bytes are
// zero, so a trailing NUL could not be told apart from padding on decode.
func (c TargetConfig) MarshalBinary() ([]byte, error) {
	if c.SCSIID > idBits {
		return nil, fmt.Errorf("scsi id %d out of range", c.SCSIID)
	}

	r := record{
		SCSIID:             c.SCSIID & idBits,
		DeviceType:         uint8(c.DeviceType),
		Flags:              uint8(c.Flags),
		DeviceTypeModifier: c.DeviceTypeModifier,
		SDSectorStart:      c.SDSectorStart,
		SCSISectors:        c.SCSISectors,
		BytesPerSector:     c.BytesPerSector,
		SectorsPerTrack:    c.SectorsPerTrack,
		HeadsPerCylinder:   c.HeadsPerCylinder,
		Quirks:             c.Quirks,
	}
	if c.Enabled {
		r.SCSIID |= enabledFlag
	}

	fields := []struct {
		name string
		dst  []byte
		src  []byte
	}{
		{"vendor", r.Vendor[:], []byte(c.Vendor)},
		{"product_id", r.ProductID[:], []byte(c.ProductID)},
		{"revision", r.Revision[:], []byte(c.Revision)},
		{"serial", r.Serial[:], []byte(c.Serial)},
		{"vpd", r.VPD[:], c.VPD},
	}
	for _, f := range fields {
		if len(f.src) > len(f.dst) {
			return nil, fmt.Errorf("%s is %d bytes, field holds %d", f.name, len(f.src), len(f.dst))
		}
		if trailingNUL(f.src) {
			return nil, fmt.Errorf("%s ends in a NUL byte", f.name)
		}
		copy(f.dst, f.src)
	}

	return binary.Append(make([]byte, 0, RecordSize), binary.LittleEndian, &r)
}

// UnmarshalBinary decodes the first RecordSize bytes of data.
func (c *TargetConfig) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("record is %d bytes, need %d", len(data), RecordSize)
	}

	var r record
	if _, err := binary.Decode(data[:RecordSize], binary.LittleEndian, &r); err != nil {
		return err
	}

	*c = TargetConfig{
		SCSIID:             r.SCSIID & idBits,
		Enabled:            r.SCSIID&enabledFlag != 0,
		DeviceType:         DeviceType(r.DeviceType),
		DeviceTypeModifier: r.DeviceTypeModifier,
		Flags:              Flags(r.Flags),
		Quirks:             r.Quirks,
		SDSectorStart:      r.SDSectorStart,
		SCSISectors:        r.SCSISectors,
		BytesPerSector:     r.BytesPerSector,
		SectorsPerTrack:    r.SectorsPerTrack,
		HeadsPerCylinder:   r.HeadsPerCylinder,
		Vendor:             cString(r.Vendor[:]),
		ProductID:          cString(r.ProductID[:]),
		Revision:           cString(r.Revision[:]),
		Serial:             cString(r.Serial[:]),
	}
	if vpd := bytes.TrimRight(r.VPD[:], "\x00"); len(vpd) > 0 {
		c.VPD = append([]byte(nil), vpd...)
	}
	return nil
}

func trailingNUL(b []byte) bool {
	return len(b) > 0 && b[len(b)-1] == 0
}

func cString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// SDSectors is the number of 512-byte SD sectors the target occupies.
func (c TargetConfig) SDSectors() uint64 {
	if c.BytesPerSector == 0 {
		return 0
	}
	return (uint64(c.SCSISectors)*uint64(c.BytesPerSector) + 511) / 512
}
