package bootloader

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
)

// DefaultPacketSize matches a full-speed USB HID report.
const DefaultPacketSize = 64

// Info is what the bootloader reports on entry.
type Info struct {
	SiliconID  uint32
	SiliconRev byte
	Version    [3]byte
}

// Options configures a Host.
type Options struct {
	// Key is the optional 6 byte bootloader security key.
	Key []byte

	// PacketSize bounds every frame written, default DefaultPacketSize.
	PacketSize int
}

// Host drives a bootloader over a packet-oriented link: every Write is one
// frame and every Read returns one response.
type Host struct {
	rw         io.ReadWriter
	key        []byte
	packetSize int
	kind       byte
}

// NewHost returns a host using the summation checksum until an image says
// otherwise.
func NewHost(rw io.ReadWriter, opts Options) *Host {
	if opts.PacketSize <= frameOverhead {
		opts.PacketSize = DefaultPacketSize
	}
	return &Host{rw: rw, key: opts.Key, packetSize: opts.PacketSize, kind: cyacd.ChecksumSum}
}

func (h *Host) send(cmd byte, data []byte) error {
	frame := EncodeCommand(h.kind, cmd, data)
	if len(frame) > h.packetSize {
		return fmt.Errorf("bootloader command 0x%02X: frame is %d bytes, max %d", cmd, len(frame), h.packetSize)
	}
	if _, err := h.rw.Write(frame); err != nil {
		return fmt.Errorf("bootloader command 0x%02X: %w", cmd, err)
	}
	return nil
}

func (h *Host) exchange(cmd byte, data []byte) ([]byte, error) {
	if err := h.send(cmd, data); err != nil {
		return nil, err
	}
	buf := make([]byte, h.packetSize)
	n, err := h.rw.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("bootloader command 0x%02X: %w", cmd, err)
	}
	return DecodeResponse(h.kind, cmd, buf[:n])
}

// Enter starts a bootloader session.
func (h *Host) Enter() (Info, error) {
	resp, err := h.exchange(CmdEnter, h.key)
	if err != nil {
		return Info{}, err
	}
	if len(resp) < 8 {
		return Info{}, fmt.Errorf("enter bootloader: %d byte response", len(resp))
	}
	info := Info{
		SiliconID:  binary.LittleEndian.Uint32(resp),
		SiliconRev: resp[4],
	}
	copy(info.Version[:], resp[5:8])
	return info, nil
}

// FlashSize returns the first and last programmable rows of an array.
func (h *Host) FlashSize(array byte) (first, last uint16, err error) {
	resp, err := h.exchange(CmdGetFlashSize, []byte{array})
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 4 {
		return 0, 0, fmt.Errorf("get flash size: %d byte response", len(resp))
	}
	return binary.LittleEndian.Uint16(resp), binary.LittleEndian.Uint16(resp[2:]), nil
}

// ProgramRow writes one row, splitting data that does not fit a single
// frame into SendData chunks.
func (h *Host) ProgramRow(array byte, row uint16, data []byte) error {
	maxData := h.packetSize - frameOverhead
	for len(data) > maxData-3 {
		n := min(len(data), maxData)
		if _, err := h.exchange(CmdSendData, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}

	payload := make([]byte, 0, 3+len(data))
	payload = append(payload, array)
	payload = binary.LittleEndian.AppendUint16(payload, row)
	payload = append(payload, data...)
	_, err := h.exchange(CmdProgramRow, payload)
	return err
}

// VerifyRow returns the device's checksum of a programmed row.
func (h *Host) VerifyRow(array byte, row uint16) (byte, error) {
	payload := binary.LittleEndian.AppendUint16([]byte{array}, row)
	resp, err := h.exchange(CmdVerifyRow, payload)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("verify row: empty response")
	}
	return resp[0], nil
}

// VerifyChecksum reports whether the application image is valid.
func (h *Host) VerifyChecksum() (bool, error) {
	resp, err := h.exchange(CmdVerifyChecksum, nil)
	if err != nil {
		return false, err
	}
	if len(resp) < 1 {
		return false, fmt.Errorf("verify checksum: empty response")
	}
	return resp[0] != 0, nil
}

// Exit leaves the bootloader and starts the application. The device resets
// without answering.
func (h *Host) Exit() error {
	return h.send(CmdExit, nil)
}

// ExpectedRowChecksum is the value VerifyRow returns for a correctly programmed row.
func ExpectedRowChecksum(r *cyacd.Row) byte {
	n := len(r.Data)
	return r.Checksum + r.ArrayID + byte(r.RowNum) + byte(r.RowNum>>8) + byte(n) + byte(n>>8)
}

// Program writes img row by row, verifying each one, then checks the
// application and exits the bootloader. onRow runs after every verified row.
// ctx is only checked before the first command: once rows are being written
// the load runs to completion or failure.
func (h *Host) Program(ctx context.Context, img *cyacd.Image, onRow func(array byte, row uint16)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.kind = img.ChecksumType

	info, err := h.Enter()
	if err != nil {
		return err
	}
	if info.SiliconID != img.SiliconID || info.SiliconRev != img.SiliconRev {
		return fmt.Errorf("image is for silicon %08X rev %d, device is %08X rev %d",
			img.SiliconID, img.SiliconRev, info.SiliconID, info.SiliconRev)
	}
	slog.Debug("bootloader_entered", "silicon_id", fmt.Sprintf("%08X", info.SiliconID), "rows", len(img.Rows))

	type bounds struct{ first, last uint16 }
	arrays := make(map[byte]bounds)

	for _, r := range img.Rows {
		b, ok := arrays[r.ArrayID]
		if !ok {
			first, last, err := h.FlashSize(r.ArrayID)
			if err != nil {
				return fmt.Errorf("array %d: %w", r.ArrayID, err)
			}
			b = bounds{first, last}
			arrays[r.ArrayID] = b
		}
		if r.RowNum < b.first || r.RowNum > b.last {
			return fmt.Errorf("array %d row %d: outside programmable rows %d-%d", r.ArrayID, r.RowNum, b.first, b.last)
		}

		if err := h.ProgramRow(r.ArrayID, r.RowNum, r.Data); err != nil {
			return fmt.Errorf("array %d row %d: %w", r.ArrayID, r.RowNum, err)
		}
		got, err := h.VerifyRow(r.ArrayID, r.RowNum)
		if err != nil {
			return fmt.Errorf("array %d row %d: %w", r.ArrayID, r.RowNum, err)
		}
		if want := ExpectedRowChecksum(r); got != want {
			return fmt.Errorf("array %d row %d: verify checksum 0x%02X, want 0x%02X", r.ArrayID, r.RowNum, got, want)
		}
		if onRow != nil {
			onRow(r.ArrayID, r.RowNum)
		}
	}

	ok, err := h.VerifyChecksum()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("application checksum is invalid after programming")
	}
	return h.Exit()
}
