//go:build cgo

package usbhid

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sstallion/go-hid"

	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// Transport opens SCSI2SD devices through hidapi.
type Transport struct {
	cfg Config
}

var _ transport.Transport = (*Transport)(nil)

// New initializes hidapi. Close releases it.
func New(cfg Config) (*Transport, error) {
	slog.Debug("usbhid_init",
		"normal", fmt.Sprintf("%04X:%04X", cfg.NormalVID, cfg.NormalPID),
		"bootloader", fmt.Sprintf("%04X:%04X", cfg.BootloaderVID, cfg.BootloaderPID))

	if err := hid.Init(); err != nil {
		return nil, fmt.Errorf("hidapi init: %w", err)
	}
	return &Transport{cfg: cfg}, nil
}

func (t *Transport) Close() error { return hid.Exit() }

func (t *Transport) find(vid, pid uint16) (string, error) {
	var found string
	err := hid.Enumerate(vid, pid, func(info *hid.DeviceInfo) error {
		if found == "" {
			found = info.Path
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enumerate %04X:%04X: %w", vid, pid, err)
	}
	return found, nil
}

func (t *Transport) open(vid, pid uint16) (*port, string, error) {
	p, err := t.find(vid, pid)
	if err != nil || p == "" {
		return nil, "", err
	}
	dev, err := hid.OpenPath(p)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", p, err)
	}
	return &port{dev: dev, timeout: t.cfg.Timeout}, p, nil
}

func (t *Transport) OpenNormal() (transport.Device, error) {
	p, devPath, err := t.open(t.cfg.NormalVID, t.cfg.NormalPID)
	if err != nil || p == nil {
		return nil, err
	}
	d, err := OpenDevice(p, t.cfg.RowSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	slog.Debug("usbhid_device_opened", "path", devPath, "version", d.FirmwareVersion().String())
	return d, nil
}

func (t *Transport) OpenBootloader() (transport.Bootloader, error) {
	p, devPath, err := t.open(t.cfg.BootloaderVID, t.cfg.BootloaderPID)
	if err != nil || p == nil {
		return nil, err
	}
	present := func() bool {
		found, err := t.find(t.cfg.BootloaderVID, t.cfg.BootloaderPID)
		return err == nil && found == devPath
	}
	slog.Debug("usbhid_bootloader_opened", "path", devPath)
	return OpenBootloader(p, t.cfg.FirmwarePattern, t.cfg.BootloaderKey, present), nil
}

// port bounds reads with a timeout and retries interrupted reads.
type port struct {
	dev     *hid.Device
	timeout time.Duration
}

func (p *port) Read(b []byte) (int, error) {
	for {
		n, err := p.dev.ReadWithTimeout(b, p.timeout)
		if errors.Is(err, hid.ErrTimeout) {
			return 0, fmt.Errorf("no report within %v", p.timeout)
		}
		if err == nil || err.Error() != "Interrupted system call" {
			return n, err
		}
	}
}

func (p *port) Write(b []byte) (int, error) { return p.dev.Write(b) }

func (p *port) Close() error { return p.dev.Close() }
