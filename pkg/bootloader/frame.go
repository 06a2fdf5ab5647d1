// Package bootloader speaks the Cypress PSoC bootloader host protocol and
// programs .cyacd images through it.
//
// A command frame is SOP, command, data length (little endian), data,
// checksum (little endian) and EOP. A response frame has the same layout
// with a status code in place of the command.
package bootloader

import (
	"encoding/binary"
	"fmt"

	"github.com/scsi2sd/scsi2sd-util/pkg/cyacd"
)

const (
	sop = 0x01
	eop = 0x17

	// Frame bytes around the data: SOP, cmd, 2 length, 2 checksum, EOP.
	frameOverhead = 7
)

// Commands
const (
	CmdVerifyChecksum = 0x31
	CmdGetFlashSize   = 0x32
	CmdEraseRow       = 0x34
	CmdSync           = 0x35
	CmdSendData       = 0x37
	CmdEnter          = 0x38
	CmdProgramRow     = 0x39
	CmdVerifyRow      = 0x3A
	CmdExit           = 0x3B
)

// Status codes
const (
	StatusSuccess = 0x00
	ErrLength     = 0x03
	ErrData       = 0x04
	ErrCmd        = 0x05
	ErrChecksum   = 0x08
	ErrArray      = 0x09
	ErrRow        = 0x0A
	ErrApp        = 0x0C
	ErrActive     = 0x0D
	ErrUnknown    = 0x0F
)

// StatusError is a non-success response status.
type StatusError struct {
	Cmd    byte
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bootloader command 0x%02X: %s", e.Cmd, statusText(e.Status))
}

func statusText(s byte) string {
	switch s {
	case ErrLength:
		return "invalid length"
	case ErrData:
		return "invalid data"
	case ErrCmd:
		return "unknown command"
	case ErrChecksum:
		return "packet checksum mismatch"
	case ErrArray:
		return "invalid flash array"
	case ErrRow:
		return "invalid flash row"
	case ErrApp:
		return "application is not valid"
	case ErrActive:
		return "application is active"
	default:
		return fmt.Sprintf("status 0x%02X", s)
	}
}

// Checksum computes the packet checksum over b.
func Checksum(kind byte, b []byte) uint16 {
	if kind == cyacd.ChecksumCRC16 {
		crc := uint16(0xFFFF)
		for _, v := range b {
			tmp := uint16(v)
			for i := 0; i < 8; i++ {
				if (crc&1)^(tmp&1) != 0 {
					crc = (crc >> 1) ^ 0x8408
				} else {
					crc >>= 1
				}
				tmp >>= 1
			}
		}
		crc = ^crc
		return crc<<8 | crc>>8
	}

	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return 1 + ^sum
}

// EncodeCommand builds a command frame.
func EncodeCommand(kind, cmd byte, data []byte) []byte {
	f := make([]byte, 0, frameOverhead+len(data))
	f = append(f, sop, cmd)
	f = binary.LittleEndian.AppendUint16(f, uint16(len(data)))
	f = append(f, data...)
	f = binary.LittleEndian.AppendUint16(f, Checksum(kind, f))
	return append(f, eop)
}

// DecodeResponse parses a response frame. Trailing report padding is
// ignored. A non-success status is a *StatusError.
func DecodeResponse(kind, cmd byte, b []byte) ([]byte, error) {
	if len(b) < frameOverhead {
		return nil, fmt.Errorf("bootloader response: %d bytes is too short", len(b))
	}
	if b[0] != sop {
		return nil, fmt.Errorf("bootloader response: bad start byte 0x%02X", b[0])
	}
	n := int(binary.LittleEndian.Uint16(b[2:4]))
	if frameOverhead+n > len(b) {
		return nil, fmt.Errorf("bootloader response: length %d exceeds frame", n)
	}
	body := b[:4+n]
	want := binary.LittleEndian.Uint16(b[4+n:])
	if got := Checksum(kind, body); got != want {
		return nil, fmt.Errorf("bootloader response: checksum 0x%04X, want 0x%04X", got, want)
	}
	if b[6+n] != eop {
		return nil, fmt.Errorf("bootloader response: bad end byte 0x%02X", b[6+n])
	}
	if status := b[1]; status != StatusSuccess {
		return nil, &StatusError{Cmd: cmd, Status: status}
	}
	return body[4:], nil
}
