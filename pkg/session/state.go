// Package session owns the single device session: which personality the
// device is presenting, the one open handle for it, and the periodic
// rediscovery that keeps that current.
package session

import (
	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// State is one of Disconnected, NormalMode or BootloaderMode.
type State interface {
	isState()
	String() string
}

// Disconnected means no device handle is open.
type Disconnected struct{}

// NormalMode holds the open normal-firmware handle.
type NormalMode struct {
	Device  transport.Device
	Version transport.FirmwareVersion
}

// BootloaderMode holds the open bootloader handle.
type BootloaderMode struct {
	Bootloader transport.Bootloader
}

func (Disconnected) isState()   {}
func (NormalMode) isState()     {}
func (BootloaderMode) isState() {}

func (Disconnected) String() string   { return "disconnected" }
func (s NormalMode) String() string   { return "normal mode, firmware " + s.Version.String() }
func (BootloaderMode) String() string { return "bootloader mode" }
