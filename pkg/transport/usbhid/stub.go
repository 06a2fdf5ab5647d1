//go:build !cgo

package usbhid

import (
	"fmt"
	"runtime"

	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// Transport is unavailable without cgo: hidapi is a C library.
type Transport struct{}

var _ transport.Transport = (*Transport)(nil)

// New always fails on builds without cgo.
func New(cfg Config) (*Transport, error) {
	return nil, fmt.Errorf("usb hid not supported on %s without cgo", runtime.GOOS)
}

func (t *Transport) Close() error { return nil }

func (t *Transport) OpenNormal() (transport.Device, error) {
	return nil, fmt.Errorf("usb hid not supported on %s without cgo", runtime.GOOS)
}

func (t *Transport) OpenBootloader() (transport.Bootloader, error) {
	return nil, fmt.Errorf("usb hid not supported on %s without cgo", runtime.GOOS)
}
