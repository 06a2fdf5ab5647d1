package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scsi2sd/scsi2sd-util/pkg/diag"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport"
)

// Options configures a Manager.
type Options struct {
	// MinVersion is the oldest firmware that accepts writes.
	MinVersion transport.FirmwareVersion

	// SelfTest runs the SCSI self test when a device is first detected.
	SelfTest bool

	// SearchInterval is the pause between bootloader search attempts.
	SearchInterval time.Duration

	// OnConnect receives diagnostics for every newly opened device that
	// meets MinVersion.
	OnConnect func(diag.Report)
}

// Manager holds at most one device handle at a time. All methods are safe
// for concurrent use, though device I/O is expected to be driven from one
// goroutine.
type Manager struct {
	transport transport.Transport
	opts      Options

	mu        sync.Mutex
	normal    transport.Device
	version   transport.FirmwareVersion
	boot      transport.Bootloader
	suspended int
}

// NewManager returns a disconnected manager.
func NewManager(t transport.Transport, opts Options) *Manager {
	if opts.MinVersion == 0 {
		opts.MinVersion = transport.MinFirmwareVersion
	}
	return &Manager{transport: t, opts: opts}
}

// Poll probes the transport and returns the resulting state. It never fails:
// a transport error is logged and leaves the manager disconnected until the
// next poll. While the manager is suspended Poll does no I/O and returns the
// current state.
func (m *Manager) Poll() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended > 0 {
		return m.stateLocked()
	}

	if err := m.pollLocked(); err != nil {
		slog.Warn("session_poll_failed", "error", err)
		m.closeLocked()
	}
	return m.stateLocked()
}

func (m *Manager) pollLocked() error {
	if m.boot != nil {
		if m.boot.Ping() {
			return nil
		}
		slog.Info("session_bootloader_lost")
		m.closeBootLocked()
	}

	boot, err := m.transport.OpenBootloader()
	if err != nil {
		return errors.Transport("open bootloader", err)
	}
	if boot != nil {
		m.closeNormalLocked()
		m.boot = boot
		slog.Info("session_bootloader_found")
		return nil
	}

	suppressNotice := false
	if m.normal != nil {
		switch {
		case !m.version.AtLeast(m.opts.MinVersion):
			// Old firmware has no liveness check, so reopen every poll.
			m.closeNormalLocked()
			suppressNotice = true
		case !m.normal.Ping():
			slog.Info("session_device_lost")
			m.closeNormalLocked()
		default:
			return nil
		}
	}

	dev, err := m.transport.OpenNormal()
	if err != nil {
		return errors.Transport("open device", err)
	}
	if dev == nil {
		slog.Debug("session_searching")
		return nil
	}

	m.normal = dev
	m.version = dev.FirmwareVersion()

	if !m.version.AtLeast(m.opts.MinVersion) {
		if !suppressNotice {
			slog.Warn("firmware_update_required",
				"version", m.version.String(),
				"min_version", m.opts.MinVersion.String())
		}
		return nil
	}

	report, err := m.diagnose(dev)
	if err != nil {
		return err
	}
	report.Log()
	if m.opts.OnConnect != nil {
		m.opts.OnConnect(report)
	}
	return nil
}

func (m *Manager) diagnose(dev transport.Device) (diag.Report, error) {
	r := diag.Report{FirmwareVersion: m.version.String()}

	var err error
	if r.SDCapacity, err = dev.SDCapacity(); err != nil {
		return r, errors.Transport("read sd capacity", err)
	}
	if r.CSD, err = dev.SDCSD(); err != nil {
		return r, errors.Transport("read sd csd", err)
	}
	if r.CID, err = dev.SDCID(); err != nil {
		return r, errors.Transport("read sd cid", err)
	}
	if m.opts.SelfTest {
		passed, err := dev.SelfTest()
		if err != nil {
			return r, errors.Transport("scsi self test", err)
		}
		r.SelfTest = &passed
	}
	return r, nil
}

// State returns the current state without probing.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.boot != nil:
		return BootloaderMode{Bootloader: m.boot}
	case m.normal != nil:
		return NormalMode{Device: m.normal, Version: m.version}
	default:
		return Disconnected{}
	}
}

// Normal returns the normal-mode handle regardless of its firmware version.
func (m *Manager) Normal() (transport.Device, transport.FirmwareVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.normal == nil {
		return nil, 0, &errors.NoSessionError{Want: "normal-mode"}
	}
	return m.normal, m.version, nil
}

// RequireWritable returns the normal-mode handle only if its firmware accepts
// writes.
func (m *Manager) RequireWritable() (transport.Device, error) {
	dev, version, err := m.Normal()
	if err != nil {
		return nil, err
	}
	if !version.AtLeast(m.opts.MinVersion) {
		return nil, &errors.VersionTooLowError{Have: version.String(), Min: m.opts.MinVersion.String()}
	}
	return dev, nil
}

// Bootloader returns the bootloader handle.
func (m *Manager) Bootloader() (transport.Bootloader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boot == nil {
		return nil, &errors.NoSessionError{Want: "bootloader"}
	}
	return m.boot, nil
}

// RequestBootloaderEntry resets a normal-mode device into its bootloader and
// closes the handle. The bootloader is picked up by a later poll.
func (m *Manager) RequestBootloaderEntry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.normal == nil {
		return &errors.NoSessionError{Want: "normal-mode"}
	}
	return errors.Transport("enter bootloader", m.enterBootloaderLocked())
}

// Invalidate closes every handle, forcing rediscovery on the next poll.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Suspend stops Poll from touching the device until release is called.
// Release is idempotent; calls nest.
func (m *Manager) Suspend() (release func()) {
	m.mu.Lock()
	m.suspended++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.suspended--
			m.mu.Unlock()
		})
	}
}

// AwaitBootloader drives the device into bootloader mode and waits for the
// bootloader to show up. A normal-mode device is reset into its bootloader
// first. Transport errors clear the handles and the search carries on; only
// the sink or ctx can stop it, which yields a cancelled result.
func (m *Manager) AwaitBootloader(ctx context.Context, sink progress.Sink) progress.Result {
	sink = progress.OrDiscard(sink)
	slog.Info("bootloader_search_started")

	for attempt := 1; ; attempt++ {
		found, err := m.searchOnce()
		if err != nil {
			slog.Warn("bootloader_search_error", "attempt", attempt, "error", err)
			m.Invalidate()
		}
		if found {
			slog.Info("bootloader_search_found", "attempts", attempt)
			return progress.Succeeded(attempt, 0, "Bootloader found")
		}

		if !m.sleep(ctx) || !sink.Update(attempt, 0, "Searching for bootloader") {
			slog.Info("bootloader_search_cancelled", "attempts", attempt)
			return progress.Cancelled(attempt, 0, "Bootloader search cancelled")
		}
	}
}

func (m *Manager) searchOnce() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.normal == nil && m.boot == nil {
		dev, err := m.transport.OpenNormal()
		if err != nil {
			return false, errors.Transport("open device", err)
		}
		if dev != nil {
			m.normal = dev
			m.version = dev.FirmwareVersion()
		}
	}
	if m.normal != nil {
		if err := m.enterBootloaderLocked(); err != nil {
			return false, errors.Transport("enter bootloader", err)
		}
	}

	if m.boot != nil {
		if m.boot.Ping() {
			return true, nil
		}
		slog.Info("session_bootloader_ping_failed")
		m.closeBootLocked()
		return false, nil
	}

	boot, err := m.transport.OpenBootloader()
	if err != nil {
		return false, errors.Transport("open bootloader", err)
	}
	if boot == nil {
		return false, nil
	}
	m.boot = boot
	return true, nil
}

func (m *Manager) sleep(ctx context.Context) bool {
	if m.opts.SearchInterval <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(m.opts.SearchInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close releases every handle.
func (m *Manager) Close() error {
	m.Invalidate()
	return nil
}

func (m *Manager) closeLocked() {
	m.closeNormalLocked()
	m.closeBootLocked()
}

// enterBootloaderLocked resets the normal-mode device. The handle is
// released by the reset and is dropped here, not closed.
func (m *Manager) enterBootloaderLocked() error {
	slog.Info("session_entering_bootloader", "version", m.version.String())
	err := m.normal.EnterBootloader()
	m.normal = nil
	m.version = 0
	return err
}

func (m *Manager) closeNormalLocked() {
	if m.normal == nil {
		return
	}
	if err := m.normal.Close(); err != nil {
		slog.Debug("session_close_failed", "mode", "normal", "error", err)
	}
	m.normal = nil
	m.version = 0
}

func (m *Manager) closeBootLocked() {
	if m.boot == nil {
		return
	}
	if err := m.boot.Close(); err != nil {
		slog.Debug("session_close_failed", "mode", "bootloader", "error", err)
	}
	m.boot = nil
}
