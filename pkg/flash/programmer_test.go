package flash

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/firmware"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport/transporttest"
)

func setup(t *testing.T, rows int) (*session.Manager, *transporttest.Transport, *firmware.Image) {
	t.Helper()
	ft := transporttest.New(0x0420, 256)
	ft.SetMode(transporttest.Boot)
	m := session.NewManager(ft, session.Options{})
	if _, ok := m.Poll().(session.BootloaderMode); !ok {
		t.Fatalf("expected bootloader, got %v", m.State())
	}

	path, err := transporttest.WriteImage(t.TempDir(), "fw.cyacd", rows)
	if err != nil {
		t.Fatal(err)
	}
	return m, ft, &firmware.Image{Path: path, EntryName: "fw.cyacd", TotalRows: rows}
}

func TestProgramSuccess(t *testing.T) {
	m, ft, img := setup(t, 200)

	var updates []int
	sink := progress.SinkFunc(func(current, total int, message string) bool {
		if total != 200 {
			t.Errorf("total = %d", total)
		}
		updates = append(updates, current)
		return false
	})

	res, err := NewProgrammer(m).Program(context.Background(), img, sink)
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if !res.OK() || res.Completed != 200 {
		t.Errorf("unexpected result %v", res)
	}

	if len(updates) != 200 {
		t.Fatalf("expected 200 updates despite the sink returning false, got %d", len(updates))
	}
	for i, c := range updates {
		if c != i+1 {
			t.Fatalf("update %d reported %d, counter must increase by one per row", i, c)
		}
	}

	if _, ok := m.State().(session.Disconnected); !ok {
		t.Errorf("handles must be invalidated after programming, got %v", m.State())
	}
	if _, err := os.Stat(img.Path); !os.IsNotExist(err) {
		t.Error("working image should be removed")
	}
	if _, ok := m.Poll().(session.NormalMode); !ok || ft.Mode() != transporttest.Normal {
		t.Errorf("device should come back in normal mode, got %v", m.State())
	}
}

func TestProgramFailureAtRow37(t *testing.T) {
	m, ft, img := setup(t, 200)
	ft.Bootloader.FailAtRow = 37
	ft.Bootloader.FailErr = fmt.Errorf("verify row 37 failed")

	res, err := NewProgrammer(m).Program(context.Background(), img, nil)

	var te *errors.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if res.OK() || res.Status != progress.StatusFailed {
		t.Fatalf("failure must not report success: %v", res)
	}
	if res.Completed != 37 || res.Total != 200 {
		t.Errorf("expected 37/200, got %d/%d", res.Completed, res.Total)
	}
	if res.Message != "verify row 37 failed" {
		t.Errorf("message should be the device error verbatim, got %q", res.Message)
	}
	if _, ok := m.State().(session.Disconnected); !ok {
		t.Errorf("device must require rediscovery, got %v", m.State())
	}
	if ft.Bootloader.Loads != 1 {
		t.Errorf("no retry expected, loads = %d", ft.Bootloader.Loads)
	}
	if _, err := os.Stat(img.Path); !os.IsNotExist(err) {
		t.Error("working image should be removed after failure")
	}
}

func TestProgramRequiresBootloader(t *testing.T) {
	ft := transporttest.New(0x0420, 256)
	m := session.NewManager(ft, session.Options{})

	path, err := transporttest.WriteImage(t.TempDir(), "fw.cyacd", 3)
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewProgrammer(m).Program(context.Background(), &firmware.Image{Path: path, TotalRows: 3}, nil)
	var ns *errors.NoSessionError
	if !errors.As(err, &ns) {
		t.Fatalf("expected NoSessionError, got %v", err)
	}
}

func TestProgramSuspendsPolling(t *testing.T) {
	m, ft, img := setup(t, 4)

	opensBefore := ft.BootOpens
	sink := progress.SinkFunc(func(int, int, string) bool {
		m.Poll()
		return true
	})
	if _, err := NewProgrammer(m).Program(context.Background(), img, sink); err != nil {
		t.Fatal(err)
	}
	if ft.BootOpens != opensBefore {
		t.Errorf("poll during programming touched the device")
	}
}
