package usbhid

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/scsi2sd/scsi2sd-util/pkg/bootloader"
	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
	"github.com/scsi2sd/scsi2sd-util/pkg/hidpacket"
)

// firmware simulates normal-mode SCSI2SD firmware behind a HID port.
type firmware struct {
	t       *testing.T
	version uint16
	rowSize int
	flash   map[[2]int][]byte
	status  byte

	dec      hidpacket.Decoder
	out      [][]byte
	commands []byte
	rebooted bool
	closed   int
}

func newFirmware(t *testing.T) *firmware {
	return &firmware{t: t, version: 0x0420, rowSize: 256, flash: make(map[[2]int][]byte)}
}

func (f *firmware) Write(p []byte) (int, error) {
	if len(p) != hidpacket.ReportSize+1 || p[0] != 0 {
		f.t.Fatalf("report must be id 0 plus %d bytes, got %d", hidpacket.ReportSize, len(p))
	}
	packet, done, err := f.dec.Feed(p[1:])
	if err != nil {
		f.t.Fatalf("bad report: %v", err)
	}
	if done {
		f.handle(packet)
	}
	return len(p), nil
}

func (f *firmware) handle(req []byte) {
	cmd := req[0]
	f.commands = append(f.commands, cmd)
	if f.status != statusGood {
		f.reply([]byte{f.status})
		return
	}

	switch cmd {
	case cmdPing:
		f.reply([]byte{statusGood})
	case cmdInfo:
		f.reply(binary.BigEndian.AppendUint16([]byte{statusGood}, f.version))
	case cmdSDInfo:
		resp := binary.BigEndian.AppendUint32([]byte{statusGood}, 15523840)
		resp = append(resp, bytes.Repeat([]byte{0xC5}, registerSize)...)
		resp = append(resp, bytes.Repeat([]byte{0x1D}, registerSize)...)
		f.reply(resp)
	case cmdSCSITest:
		f.reply([]byte{statusGood, 1})
	case cmdReadFlash:
		key := [2]int{int(req[1]), int(req[2])<<8 | int(req[3])}
		data, ok := f.flash[key]
		if !ok {
			data = make([]byte, f.rowSize)
		}
		f.reply(append([]byte{statusGood}, data...))
	case cmdWriteFlash:
		key := [2]int{int(req[1]), int(req[2])<<8 | int(req[3])}
		f.flash[key] = bytes.Clone(req[4:])
		f.reply([]byte{statusGood})
	case cmdReboot:
		f.rebooted = true
	default:
		f.reply([]byte{0xFF})
	}
}

func (f *firmware) reply(packet []byte) {
	reports, err := hidpacket.Encode(packet)
	if err != nil {
		f.t.Fatal(err)
	}
	f.out = append(f.out, reports...)
}

func (f *firmware) Read(p []byte) (int, error) {
	if len(f.out) == 0 {
		return 0, fmt.Errorf("timeout")
	}
	n := copy(p, f.out[0])
	f.out = f.out[1:]
	return n, nil
}

func (f *firmware) Close() error {
	f.closed++
	return nil
}

func TestOpenDevice(t *testing.T) {
	fw := newFirmware(t)
	d, err := OpenDevice(fw, 256)
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	if d.FirmwareVersion() != 0x0420 {
		t.Errorf("version = %s", d.FirmwareVersion())
	}
	if !d.Ping() {
		t.Error("ping should succeed")
	}

	capacity, err := d.SDCapacity()
	if err != nil || capacity != 15523840 {
		t.Errorf("SDCapacity = %d, %v", capacity, err)
	}
	csd, _ := d.SDCSD()
	cid, _ := d.SDCID()
	if len(csd) != 16 || csd[0] != 0xC5 || len(cid) != 16 || cid[0] != 0x1D {
		t.Errorf("unexpected registers % X / % X", csd, cid)
	}
	if ok, err := d.SelfTest(); !ok || err != nil {
		t.Errorf("SelfTest = %v, %v", ok, err)
	}
}

func TestFlashRows(t *testing.T) {
	fw := newFirmware(t)
	d, err := OpenDevice(fw, 256)
	if err != nil {
		t.Fatal(err)
	}

	row := make([]byte, 256)
	for i := range row {
		row[i] = byte(255 - i)
	}
	if err := d.WriteFlashRow(1, 300, row); err != nil {
		t.Fatalf("WriteFlashRow failed: %v", err)
	}
	if !bytes.Equal(fw.flash[[2]int{1, 300}], row) {
		t.Error("firmware did not receive the row")
	}

	got, err := d.ReadFlashRow(1, 300)
	if err != nil {
		t.Fatalf("ReadFlashRow failed: %v", err)
	}
	if !bytes.Equal(got, row) {
		t.Error("read back row differs")
	}

	if err := d.WriteFlashRow(1, 0, row[:10]); err == nil {
		t.Error("expected error for a partial row")
	}
}

func TestDeviceErrors(t *testing.T) {
	fw := newFirmware(t)
	d, err := OpenDevice(fw, 256)
	if err != nil {
		t.Fatal(err)
	}

	fw.status = 0x02
	if d.Ping() {
		t.Error("ping should fail on a bad status")
	}
	if _, err := d.ReadFlashRow(1, 0); err == nil {
		t.Error("expected read error")
	}

	if _, err := OpenDevice(fw, 256); err == nil {
		t.Error("expected OpenDevice to fail when info is rejected")
	}

	d2, err := OpenDevice(newFirmware(t), 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d2.ReadFlashRow(1, 0); err == nil {
		t.Error("expected error when the row size does not match")
	}
}

func TestEnterBootloader(t *testing.T) {
	fw := newFirmware(t)
	d, err := OpenDevice(fw, 256)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.EnterBootloader(); err != nil {
		t.Fatalf("EnterBootloader failed: %v", err)
	}
	if !fw.rebooted || fw.closed != 1 {
		t.Errorf("rebooted=%v closed=%d", fw.rebooted, fw.closed)
	}
	if want := []byte{cmdInfo, cmdReboot}; !bytes.Equal(fw.commands, want) {
		t.Errorf("commands = % X, want % X", fw.commands, want)
	}
}

func TestMatchFirmware(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.cyacd", "firmware/SCSI2SD.CYACD", true},
		{"*.cyacd", "README.txt", false},
		{"scsi2sd-v4*.cyacd", "SCSI2SD-V4.2.cyacd", true},
		{"scsi2sd-v4*.cyacd", "scsi2sd-v5.cyacd", false},
		{"*.cyacd", `win\build\fw.cyacd`, true},
		{"[", "fw.cyacd", false},
	}
	for _, tt := range tests {
		if got := MatchFirmware(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchFirmware(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

// bootPort answers Cypress bootloader frames carried one per report.
type bootPort struct {
	resp   []byte
	rows   int
	exited bool
	closed bool
}

func (b *bootPort) Write(p []byte) (int, error) {
	frame := p[1:]
	var data []byte
	switch frame[1] {
	case bootloader.CmdEnter:
		data = binary.LittleEndian.AppendUint32(nil, 0x2E123069)
		data = append(data, 0, 1, 0, 0)
	case bootloader.CmdGetFlashSize:
		data = []byte{0, 0, 0xFF, 0}
	case bootloader.CmdProgramRow:
		b.rows++
	case bootloader.CmdVerifyRow:
		// All rows are zero filled.
		data = []byte{0}
	case bootloader.CmdVerifyChecksum:
		data = []byte{1}
	case bootloader.CmdExit:
		b.exited = true
		return len(p), nil
	}
	reply := make([]byte, hidpacket.ReportSize)
	copy(reply, bootloader.EncodeCommand(cyacd.ChecksumSum, bootloader.StatusSuccess, data))
	b.resp = reply
	return len(p), nil
}

func (b *bootPort) Read(p []byte) (int, error) {
	n := copy(p, b.resp)
	b.resp = nil
	return n, nil
}

func (b *bootPort) Close() error {
	b.closed = true
	return nil
}

func TestBootloaderLoad(t *testing.T) {
	var img bytes.Buffer
	img.WriteString(cyacd.FormatHeader(0x2E123069, 0, cyacd.ChecksumSum) + "\n")
	for i := 0; i < 6; i++ {
		img.WriteString(cyacd.FormatRow(0, uint16(i), make([]byte, 64)) + "\n")
	}
	path := filepath.Join(t.TempDir(), "fw.cyacd")
	if err := os.WriteFile(path, img.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	port := &bootPort{}
	attached := true
	b := OpenBootloader(port, "*.cyacd", nil, func() bool { return attached })

	if !b.IsCorrectFirmware("dist/fw.cyacd") || b.IsCorrectFirmware("dist/fw.hex") {
		t.Error("entry matching does not follow the pattern")
	}

	var rows []uint16
	if err := b.Load(context.Background(), path, func(_ byte, row uint16) { rows = append(rows, row) }); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rows) != 6 || port.rows != 6 || !port.exited {
		t.Errorf("rows=%v programmed=%d exited=%v", rows, port.rows, port.exited)
	}

	if !b.Ping() {
		t.Error("ping should succeed while enumerated")
	}
	attached = false
	if b.Ping() {
		t.Error("ping should fail once the device is gone")
	}

	if err := b.Load(context.Background(), filepath.Join(t.TempDir(), "missing.cyacd"), nil); err == nil {
		t.Error("expected error for a missing image")
	}
	b.Close()
	if !port.closed {
		t.Error("Close should close the port")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NormalPID != 0x1337 || cfg.BootloaderPID != 0xB71D || cfg.NormalVID != 0x04B4 {
		t.Errorf("unexpected identities %+v", cfg)
	}
}
