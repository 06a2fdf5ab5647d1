// Package usbhid talks to SCSI2SD hardware over USB HID. Normal firmware
// exposes a packet interface framed by hidpacket; the bootloader speaks the
// Cypress bootloader protocol one frame per report.
package usbhid

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/scsi2sd/scsi2sd-util/pkg/bootloader"
	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
	"github.com/scsi2sd/scsi2sd-util/pkg/hidpacket"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// USB identities
const (
	VendorID            = 0x04B4
	NormalProductID     = 0x1337
	BootloaderProductID = 0xB71D
)

// Normal-mode commands. Every reply starts with a status byte.
const (
	cmdPing       = 0x01
	cmdReadFlash  = 0x02
	cmdWriteFlash = 0x03
	cmdReboot     = 0x04
	cmdInfo       = 0x05
	cmdSCSITest   = 0x06
	cmdSDInfo     = 0x07

	statusGood = 0x00

	registerSize = 16
)

var commandNames = map[byte]string{
	cmdPing:       "ping",
	cmdReadFlash:  "read flash",
	cmdWriteFlash: "write flash",
	cmdReboot:     "reboot",
	cmdInfo:       "info",
	cmdSCSITest:   "scsi test",
	cmdSDInfo:     "sd info",
}

// Config selects the devices to open and how to talk to them.
type Config struct {
	NormalVID     uint16
	NormalPID     uint16
	BootloaderVID uint16
	BootloaderPID uint16

	// Timeout bounds every report read.
	Timeout time.Duration

	// RowSize is the flash row size of normal-mode row transfers.
	RowSize int

	// FirmwarePattern is matched against archive entry base names.
	FirmwarePattern string

	// BootloaderKey is sent on bootloader entry when set.
	BootloaderKey []byte
}

// DefaultConfig returns the stock SCSI2SD identities.
func DefaultConfig() Config {
	return Config{
		NormalVID:       VendorID,
		NormalPID:       NormalProductID,
		BootloaderVID:   VendorID,
		BootloaderPID:   BootloaderProductID,
		Timeout:         2 * time.Second,
		RowSize:         256,
		FirmwarePattern: "*.cyacd",
	}
}

// Port is an open HID handle: each Write sends one report, each Read
// returns one.
type Port interface {
	io.ReadWriteCloser
}

// Device is a normal-mode handle.
type Device struct {
	port    Port
	conn    *hidpacket.Conn
	rowSize int
	version transport.FirmwareVersion
	closed  bool
}

var _ transport.Device = (*Device)(nil)

// OpenDevice starts a normal-mode session on port and reads the firmware
// version.
func OpenDevice(port Port, rowSize int) (*Device, error) {
	d := &Device{port: port, conn: hidpacket.NewConn(port), rowSize: rowSize}
	info, err := d.command(cmdInfo)
	if err != nil {
		return nil, err
	}
	if len(info) < 2 {
		return nil, fmt.Errorf("info: %d byte reply", len(info))
	}
	d.version = transport.FirmwareVersion(binary.BigEndian.Uint16(info))
	return d, nil
}

func (d *Device) command(cmd byte, args ...byte) ([]byte, error) {
	resp, err := d.conn.Exchange(append([]byte{cmd}, args...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", commandNames[cmd], err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%s: empty reply", commandNames[cmd])
	}
	if resp[0] != statusGood {
		return nil, fmt.Errorf("%s: device returned status %d", commandNames[cmd], resp[0])
	}
	return resp[1:], nil
}

func (d *Device) Ping() bool {
	_, err := d.command(cmdPing)
	return err == nil
}

func (d *Device) FirmwareVersion() transport.FirmwareVersion { return d.version }

func (d *Device) sdInfo() ([]byte, error) {
	resp, err := d.command(cmdSDInfo)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4+2*registerSize {
		return nil, fmt.Errorf("sd info: %d byte reply", len(resp))
	}
	return resp, nil
}

// SDCapacity is the card size in 512 byte sectors.
func (d *Device) SDCapacity() (uint32, error) {
	info, err := d.sdInfo()
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(info), nil
}

func (d *Device) SDCSD() ([]byte, error) {
	info, err := d.sdInfo()
	if err != nil {
		return nil, err
	}
	return info[4 : 4+registerSize], nil
}

func (d *Device) SDCID() ([]byte, error) {
	info, err := d.sdInfo()
	if err != nil {
		return nil, err
	}
	return info[4+registerSize : 4+2*registerSize], nil
}

func (d *Device) SelfTest() (bool, error) {
	resp, err := d.command(cmdSCSITest)
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] != 0, nil
}

func (d *Device) ReadFlashRow(array byte, row uint16) ([]byte, error) {
	resp, err := d.command(cmdReadFlash, array, byte(row>>8), byte(row))
	if err != nil {
		return nil, err
	}
	if len(resp) != d.rowSize {
		return nil, fmt.Errorf("read flash array %d row %d: got %d bytes, row is %d", array, row, len(resp), d.rowSize)
	}
	return resp, nil
}

func (d *Device) WriteFlashRow(array byte, row uint16, data []byte) error {
	if len(data) != d.rowSize {
		return fmt.Errorf("write flash array %d row %d: got %d bytes, row is %d", array, row, len(data), d.rowSize)
	}
	args := append([]byte{array, byte(row >> 8), byte(row)}, data...)
	_, err := d.command(cmdWriteFlash, args...)
	return err
}

// EnterBootloader resets the device. It does not answer, and the handle is
// closed.
func (d *Device) EnterBootloader() error {
	if d.closed {
		return fmt.Errorf("reboot: handle closed")
	}
	err := d.conn.Send([]byte{cmdReboot})
	if closeErr := d.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// Close releases the port once. hidapi handles must not be closed twice.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.port.Close()
}

// Bootloader is a bootloader-mode handle.
type Bootloader struct {
	port    Port
	host    *bootloader.Host
	pattern string
	present func() bool
	closed  bool
}

var _ transport.Bootloader = (*Bootloader)(nil)

// OpenBootloader wraps port. present reports whether the device is still
// enumerated; nil means always.
func OpenBootloader(port Port, pattern string, key []byte, present func() bool) *Bootloader {
	return &Bootloader{
		port:    port,
		host:    bootloader.NewHost(hidpacket.NewReports(port), bootloader.Options{Key: key, PacketSize: hidpacket.ReportSize}),
		pattern: pattern,
		present: present,
	}
}

// Ping only checks that the bootloader is still enumerated.
func (b *Bootloader) Ping() bool {
	return b.present == nil || b.present()
}

func (b *Bootloader) IsCorrectFirmware(entryName string) bool {
	return MatchFirmware(b.pattern, entryName)
}

func (b *Bootloader) Load(ctx context.Context, imagePath string, onRow transport.RowFunc) error {
	img, err := cyacd.Parse(imagePath)
	if err != nil {
		return fmt.Errorf("firmware image: %w", err)
	}
	return b.host.Program(ctx, img, func(array byte, row uint16) {
		if onRow != nil {
			onRow(array, row)
		}
	})
}

// Close releases the port once.
func (b *Bootloader) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// MatchFirmware reports whether an archive entry's base name matches the
// glob pattern, ignoring case.
func MatchFirmware(pattern, entryName string) bool {
	name := path.Base(strings.ReplaceAll(entryName, "\\", "/"))
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}
