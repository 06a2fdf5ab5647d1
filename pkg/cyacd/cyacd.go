// Package cyacd parses Cypress .cyacd bootloadable firmware images.
//
// An image is a hex-encoded header line followed by one line per flash row:
//
//	header: [SiliconID(4)][SiliconRev(1)][ChecksumType(1)]
//	row:    [ArrayID(1)][RowNum(2)][DataLen(2)][Data(DataLen)][Checksum(1)]
//
// Row numbers and lengths are big-endian, which is how PSoC Creator writes
// them. Lines may carry a leading ':'.
package cyacd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	headerBytes    = 6
	rowHeaderBytes = 5
	minRowBytes    = rowHeaderBytes + 1

	// ChecksumSum is the basic 2's complement summation packet checksum.
	ChecksumSum = 0x00
	// ChecksumCRC16 is the CRC-16-CCITT packet checksum.
	ChecksumCRC16 = 0x01
)

// Image is a parsed firmware file.
type Image struct {
	SiliconID    uint32
	SiliconRev   byte
	ChecksumType byte
	Rows         []*Row
}

// Row is one flash row to program.
type Row struct {
	ArrayID  byte
	RowNum   uint16
	Data     []byte
	Checksum byte
}

// Parse reads the image at path.
func Parse(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseReader(f)
}

// ParseReader reads an image from r.
func ParseReader(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		return nil, fmt.Errorf("empty file")
	}

	img, err := parseHeader(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		row, err := parseRow(strings.TrimPrefix(line, ":"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		img.Rows = append(img.Rows, row)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(img.Rows) == 0 {
		return nil, fmt.Errorf("no rows found in file")
	}

	return img, nil
}

func parseHeader(line string) (*Image, error) {
	if len(line) != headerBytes*2 {
		return nil, fmt.Errorf("invalid header length: got %d characters, expected %d", len(line), headerBytes*2)
	}

	data, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}

	img := &Image{
		SiliconID:    uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]),
		SiliconRev:   data[4],
		ChecksumType: data[5],
	}
	if img.ChecksumType != ChecksumSum && img.ChecksumType != ChecksumCRC16 {
		return nil, fmt.Errorf("invalid checksum type: 0x%02X", img.ChecksumType)
	}

	return img, nil
}

func parseRow(line string) (*Row, error) {
	data, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data) < minRowBytes {
		return nil, fmt.Errorf("row too short: got %d bytes, minimum is %d", len(data), minRowBytes)
	}

	dataLen := int(data[3])<<8 | int(data[4])
	if want := rowHeaderBytes + dataLen + 1; len(data) != want {
		return nil, fmt.Errorf("data length mismatch: got %d bytes, expected %d", len(data), want)
	}

	checksum := data[len(data)-1]
	if calc := RowChecksum(data[:len(data)-1]); calc != checksum {
		return nil, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", checksum, calc)
	}

	row := &Row{
		ArrayID:  data[0],
		RowNum:   uint16(data[1])<<8 | uint16(data[2]),
		Data:     make([]byte, dataLen),
		Checksum: checksum,
	}
	copy(row.Data, data[rowHeaderBytes:rowHeaderBytes+dataLen])

	return row, nil
}

// RowChecksum is the 2's complement of the byte sum.
func RowChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}

// FormatRow encodes a row as a .cyacd line. It is the inverse of the row
// parser and is used to write images.
func FormatRow(arrayID byte, rowNum uint16, data []byte) string {
	raw := make([]byte, 0, rowHeaderBytes+len(data)+1)
	raw = append(raw, arrayID, byte(rowNum>>8), byte(rowNum), byte(len(data)>>8), byte(len(data)))
	raw = append(raw, data...)
	raw = append(raw, RowChecksum(raw))
	return strings.ToUpper(hex.EncodeToString(raw))
}

// FormatHeader encodes an image header line.
func FormatHeader(siliconID uint32, siliconRev, checksumType byte) string {
	raw := []byte{byte(siliconID >> 24), byte(siliconID >> 16), byte(siliconID >> 8), byte(siliconID), siliconRev, checksumType}
	return strings.ToUpper(hex.EncodeToString(raw))
}
