// Package transport defines the device-facing primitives the session,
// firmware and configuration layers are built on. Implementations live in
// subpackages: usbhid talks to real hardware, transporttest is an in-memory
// fake.
package transport

import (
	"context"
	"fmt"
)

// Device is an open handle to a device running its normal firmware.
type Device interface {
	// Ping checks the handle is still alive.
	Ping() bool

	// FirmwareVersion is read once when the handle is opened.
	FirmwareVersion() FirmwareVersion

	SDCapacity() (uint32, error)
	SDCSD() ([]byte, error)
	SDCID() ([]byte, error)
	SelfTest() (bool, error)

	// ReadFlashRow returns exactly one row of flash.
	ReadFlashRow(array byte, row uint16) ([]byte, error)

	// WriteFlashRow programs exactly one row of flash. There is no partial
	// row write.
	WriteFlashRow(array byte, row uint16, data []byte) error

	// EnterBootloader resets the device into its bootloader and releases
	// the handle. Callers drop the handle afterwards without closing it.
	EnterBootloader() error

	// Close releases the handle. It is called at most once, and never after
	// EnterBootloader.
	Close() error
}

// RowFunc is called once per flash row the bootloader actually writes.
type RowFunc func(arrayID byte, row uint16)

// Bootloader is an open handle to a device running its bootloader.
type Bootloader interface {
	Ping() bool

	// IsCorrectFirmware reports whether an archive entry with this name is
	// firmware for the connected hardware.
	IsCorrectFirmware(entryName string) bool

	// Load programs the firmware image at imagePath, calling onRow after each
	// row is written. It runs to completion or failure.
	Load(ctx context.Context, imagePath string, onRow RowFunc) error

	Close() error
}

// Transport opens device handles. Both openers return (nil, nil) when no
// device of that personality is present, and an error only on I/O failure.
type Transport interface {
	OpenNormal() (Device, error)
	OpenBootloader() (Bootloader, error)
}

// FirmwareVersion is the 16-bit version reported by normal-mode firmware:
// major in the high byte, minor in bits 4-7, revision in bits 0-3.
type FirmwareVersion uint16

// MinFirmwareVersion is the oldest firmware that accepts configuration writes.
const MinFirmwareVersion FirmwareVersion = 0x0400

func (v FirmwareVersion) String() string {
	s := fmt.Sprintf("%x.%x", uint16(v)>>8, (uint16(v)&0xF0)>>4)
	if rev := uint16(v) & 0x0F; rev != 0 {
		s += fmt.Sprintf(".%x", rev)
	}
	return s
}

// AtLeast reports whether v is min or newer.
func (v FirmwareVersion) AtLeast(min FirmwareVersion) bool { return v >= min }
