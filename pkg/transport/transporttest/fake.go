// Package transporttest provides an in-memory device for tests. One
// Transport models one physical device that is either absent, running its
// normal firmware, or sitting in its bootloader.
package transporttest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// Addr is a flash row address.
type Addr struct {
	Array byte
	Row   uint16
}

func (a Addr) String() string { return fmt.Sprintf("%d/%d", a.Array, a.Row) }

// Mode is which personality the fake device is currently presenting.
type Mode int

const (
	Absent Mode = iota
	Normal
	Boot
)

// Transport is a fake transport.Transport.
type Transport struct {
	mu sync.Mutex

	mode Mode

	Device     *Device
	Bootloader *Bootloader

	// OpenNormalErr and OpenBootErr fail the next opens while set.
	OpenNormalErr error
	OpenBootErr   error

	NormalOpens int
	BootOpens   int
}

// New returns a fake with both personalities configured and the device
// absent.
func New(version transport.FirmwareVersion, rowSize int) *Transport {
	t := &Transport{}
	t.Device = &Device{
		owner:      t,
		version:    version,
		RowSize:    rowSize,
		Flash:      make(map[Addr][]byte),
		ReadErrs:   make(map[Addr]error),
		WriteErrs:  make(map[Addr]error),
		Capacity:   15523840,
		SelfTestOK: true,
	}
	t.Bootloader = &Bootloader{owner: t, FailAtRow: -1}
	return t
}

// SetMode plugs the device in with the given personality, or unplugs it.
func (t *Transport) SetMode(m Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = m
}

func (t *Transport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *Transport) OpenNormal() (transport.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenNormalErr != nil {
		return nil, t.OpenNormalErr
	}
	if t.mode != Normal {
		return nil, nil
	}
	t.NormalOpens++
	t.Device.closed = false
	return t.Device, nil
}

func (t *Transport) OpenBootloader() (transport.Bootloader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenBootErr != nil {
		return nil, t.OpenBootErr
	}
	if t.mode != Boot {
		return nil, nil
	}
	t.BootOpens++
	t.Bootloader.closed = false
	return t.Bootloader, nil
}

func (t *Transport) present(m Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode == m
}

// Device is the fake normal-mode handle.
type Device struct {
	owner *Transport

	mu      sync.Mutex
	version transport.FirmwareVersion
	closed  bool

	RowSize    int
	Capacity   uint32
	CSD, CID   []byte
	SelfTestOK bool

	// PingFails makes Ping report a dead handle.
	PingFails bool

	Flash     map[Addr][]byte
	ReadErrs  map[Addr]error
	WriteErrs map[Addr]error

	Reads   []Addr
	Writes  []Addr
	Reboots int
	Closes  int

	// DoubleCloses counts Close calls on a handle that was already closed
	// or released by EnterBootloader.
	DoubleCloses int
}

var _ transport.Device = (*Device)(nil)

// SetVersion changes the version reported by the next open.
func (d *Device) SetVersion(v transport.FirmwareVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

func (d *Device) Ping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && !d.PingFails && d.owner.present(Normal)
}

func (d *Device) FirmwareVersion() transport.FirmwareVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *Device) SDCapacity() (uint32, error) { return d.Capacity, nil }

func (d *Device) SDCSD() ([]byte, error) { return d.register(d.CSD), nil }

func (d *Device) SDCID() ([]byte, error) { return d.register(d.CID), nil }

func (d *Device) register(r []byte) []byte {
	if r == nil {
		return make([]byte, 16)
	}
	return append([]byte(nil), r...)
}

func (d *Device) SelfTest() (bool, error) { return d.SelfTestOK, nil }

func (d *Device) ReadFlashRow(array byte, row uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := Addr{array, row}
	if d.closed {
		return nil, fmt.Errorf("read %s: handle closed", a)
	}
	if err := d.ReadErrs[a]; err != nil {
		return nil, err
	}
	d.Reads = append(d.Reads, a)
	out := make([]byte, d.RowSize)
	copy(out, d.Flash[a])
	return out, nil
}

func (d *Device) WriteFlashRow(array byte, row uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := Addr{array, row}
	if d.closed {
		return fmt.Errorf("write %s: handle closed", a)
	}
	if len(data) != d.RowSize {
		return fmt.Errorf("write %s: got %d bytes, row is %d", a, len(data), d.RowSize)
	}
	if err := d.WriteErrs[a]; err != nil {
		return err
	}
	d.Writes = append(d.Writes, a)
	d.Flash[a] = append([]byte(nil), data...)
	return nil
}

func (d *Device) EnterBootloader() error {
	d.mu.Lock()
	d.Reboots++
	d.closed = true
	d.mu.Unlock()
	d.owner.SetMode(Boot)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.DoubleCloses++
		return fmt.Errorf("device handle already closed")
	}
	d.closed = true
	d.Closes++
	return nil
}

// Bootloader is the fake bootloader handle. Loading an image parses it as
// .cyacd and reports every row; on success the device comes back in normal
// mode.
type Bootloader struct {
	owner *Transport

	mu     sync.Mutex
	closed bool

	// Accept overrides the default "*.cyacd" entry check.
	Accept func(name string) bool

	// FailAtRow fails the load before writing the row with this index.
	FailAtRow int
	FailErr   error

	PingFails bool

	Rows   []Addr
	Loads  int
	Closes int

	// DoubleCloses counts Close calls on an already closed handle.
	DoubleCloses int
}

var _ transport.Bootloader = (*Bootloader)(nil)

func (b *Bootloader) Ping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && !b.PingFails && b.owner.present(Boot)
}

func (b *Bootloader) IsCorrectFirmware(entryName string) bool {
	if b.Accept != nil {
		return b.Accept(entryName)
	}
	return strings.HasSuffix(strings.ToLower(path.Base(entryName)), ".cyacd")
}

func (b *Bootloader) Load(_ context.Context, imagePath string, onRow transport.RowFunc) error {
	img, err := cyacd.Parse(imagePath)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.Loads++
	b.mu.Unlock()

	for i, row := range img.Rows {
		if i == b.FailAtRow {
			if b.FailErr != nil {
				return b.FailErr
			}
			return fmt.Errorf("row %d: device did not acknowledge", i)
		}
		b.mu.Lock()
		b.Rows = append(b.Rows, Addr{row.ArrayID, row.RowNum})
		b.mu.Unlock()
		if onRow != nil {
			onRow(row.ArrayID, row.RowNum)
		}
	}

	b.owner.SetMode(Normal)
	return nil
}

func (b *Bootloader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.DoubleCloses++
		return fmt.Errorf("bootloader handle already closed")
	}
	b.closed = true
	b.Closes++
	return nil
}

// ImageContent returns a .cyacd image with n rows in array 0.
func ImageContent(n int) string {
	var b strings.Builder
	b.WriteString(cyacd.FormatHeader(0x2E123069, 0, cyacd.ChecksumSum))
	b.WriteString("\n")
	for i := 0; i < n; i++ {
		b.WriteString(cyacd.FormatRow(0, uint16(i), []byte{byte(i), byte(i >> 8), 0xA5, 0x5A}))
		b.WriteString("\n")
	}
	return b.String()
}
