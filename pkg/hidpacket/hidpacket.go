// Package hidpacket carries variable length packets over fixed size HID
// reports.
//
// Every report is ReportSize bytes. Byte 0 is the chunk sequence number,
// with bit 7 set on the final chunk of a packet. Byte 1 is the number of
// payload bytes used, at most PayloadSize. The rest is payload, zero padded.
package hidpacket

import (
	"bytes"
	"fmt"
	"io"
)

const (
	ReportSize    = 64
	PayloadSize   = ReportSize - 2
	MaxChunks     = 0x7F
	MaxPacketSize = MaxChunks * PayloadSize

	finalFlag = 0x80
	seqMask   = 0x7F
)

// Encode splits a packet into reports. An empty packet is a single empty
// final report.
func Encode(packet []byte) ([][]byte, error) {
	if len(packet) > MaxPacketSize {
		return nil, fmt.Errorf("packet is %d bytes, max %d", len(packet), MaxPacketSize)
	}

	var reports [][]byte
	for seq := 0; ; seq++ {
		n := min(len(packet), PayloadSize)
		r := make([]byte, ReportSize)
		r[0] = byte(seq)
		r[1] = byte(n)
		copy(r[2:], packet[:n])
		packet = packet[n:]
		if len(packet) == 0 {
			r[0] |= finalFlag
			return append(reports, r), nil
		}
		reports = append(reports, r)
	}
}

// Decoder reassembles a packet from reports.
type Decoder struct {
	buf  bytes.Buffer
	next int
}

// Feed adds one report. It returns the complete packet and true once the
// final chunk arrives, after which the decoder is ready for the next packet.
func (d *Decoder) Feed(report []byte) ([]byte, bool, error) {
	if len(report) < 2 {
		d.Reset()
		return nil, false, fmt.Errorf("short report: %d bytes", len(report))
	}
	seq := int(report[0] & seqMask)
	n := int(report[1])
	if n > PayloadSize || 2+n > len(report) {
		d.Reset()
		return nil, false, fmt.Errorf("report claims %d payload bytes", n)
	}
	if seq != d.next {
		want := d.next
		d.Reset()
		return nil, false, fmt.Errorf("chunk %d out of sequence, want %d", seq, want)
	}

	d.buf.Write(report[2 : 2+n])
	d.next++

	if report[0]&finalFlag == 0 {
		if d.next > MaxChunks {
			d.Reset()
			return nil, false, fmt.Errorf("packet exceeds %d chunks", MaxChunks)
		}
		return nil, false, nil
	}

	packet := bytes.Clone(d.buf.Bytes())
	d.Reset()
	return packet, true, nil
}

// Reset drops a partially received packet.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.next = 0
}

// Reports adapts a HID handle to whole-report I/O. Writes are zero padded to
// ReportSize and prefixed with report ID 0, which hidapi strips for devices
// that do not number their reports. Reads return one report.
type Reports struct {
	rw io.ReadWriter
}

// NewReports wraps rw.
func NewReports(rw io.ReadWriter) *Reports { return &Reports{rw: rw} }

// Write sends p as one report.
func (r *Reports) Write(p []byte) (int, error) {
	if len(p) > ReportSize {
		return 0, fmt.Errorf("report is %d bytes, max %d", len(p), ReportSize)
	}
	out := make([]byte, 1+ReportSize)
	copy(out[1:], p)
	if _, err := r.rw.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read receives one report into p.
func (r *Reports) Read(p []byte) (int, error) {
	return r.rw.Read(p)
}

// Conn exchanges packets with a device.
type Conn struct {
	reports *Reports
	dec     Decoder
}

// NewConn wraps a HID handle.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{reports: NewReports(rw)}
}

// Send writes packet as a sequence of reports.
func (c *Conn) Send(packet []byte) error {
	reports, err := Encode(packet)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if _, err := c.reports.Write(r); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

// Receive reads reports until a packet is complete.
func (c *Conn) Receive() ([]byte, error) {
	buf := make([]byte, ReportSize)
	for {
		n, err := c.reports.Read(buf)
		if err != nil {
			c.dec.Reset()
			return nil, fmt.Errorf("read report: %w", err)
		}
		if n == 0 {
			c.dec.Reset()
			return nil, io.ErrUnexpectedEOF
		}
		packet, done, err := c.dec.Feed(buf[:n])
		if err != nil {
			return nil, err
		}
		if done {
			return packet, nil
		}
	}
}

// Exchange sends req and returns the device's reply.
func (c *Conn) Exchange(req []byte) ([]byte, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	return c.Receive()
}
