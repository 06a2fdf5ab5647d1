package hidpacket

import (
	"bytes"
	"io"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		size    int
		reports int
	}{
		{0, 1},
		{1, 1},
		{PayloadSize, 1},
		{PayloadSize + 1, 2},
		{257, 5},
		{MaxPacketSize, MaxChunks},
	}

	for _, tt := range tests {
		packet := bytes.Repeat([]byte{0xAB}, tt.size)
		reports, err := Encode(packet)
		if err != nil {
			t.Fatalf("Encode(%d bytes) failed: %v", tt.size, err)
		}
		if len(reports) != tt.reports {
			t.Errorf("Encode(%d bytes) = %d reports, want %d", tt.size, len(reports), tt.reports)
			continue
		}
		for i, r := range reports {
			if len(r) != ReportSize {
				t.Errorf("report %d is %d bytes", i, len(r))
			}
			final := r[0]&finalFlag != 0
			if final != (i == len(reports)-1) {
				t.Errorf("report %d final flag = %v", i, final)
			}
			if int(r[0]&seqMask) != i {
				t.Errorf("report %d has sequence %d", i, r[0]&seqMask)
			}
		}
	}

	if _, err := Encode(make([]byte, MaxPacketSize+1)); err == nil {
		t.Error("expected error for oversize packet")
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	packet := make([]byte, 300)
	for i := range packet {
		packet[i] = byte(i)
	}
	reports, _ := Encode(packet)

	var d Decoder
	for i, r := range reports {
		got, done, err := d.Feed(r)
		if err != nil {
			t.Fatalf("Feed(%d) failed: %v", i, err)
		}
		if done != (i == len(reports)-1) {
			t.Fatalf("Feed(%d) done = %v", i, done)
		}
		if done && !bytes.Equal(got, packet) {
			t.Fatal("reassembled packet differs")
		}
	}
}

func TestDecoderErrors(t *testing.T) {
	tests := []struct {
		name    string
		reports [][]byte
	}{
		{"short", [][]byte{{0x80}}},
		{"bad length", [][]byte{{0x80, PayloadSize + 1}}},
		{"starts mid packet", [][]byte{{0x01, 0}}},
		{"skips a chunk", [][]byte{{0x00, 0}, {0x82, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			var err error
			for _, r := range tt.reports {
				if _, _, err = d.Feed(r); err != nil {
					break
				}
			}
			if err == nil {
				t.Fatal("expected error")
			}

			// The decoder recovers for the next packet.
			if _, done, err := d.Feed([]byte{0x80, 1, 0x42}); err != nil || !done {
				t.Errorf("decoder did not reset: done=%v err=%v", done, err)
			}
		})
	}
}

// loopback echoes every report written to it.
type loopback struct {
	writes [][]byte
	queue  [][]byte
}

func (l *loopback) Write(p []byte) (int, error) {
	l.writes = append(l.writes, bytes.Clone(p))
	l.queue = append(l.queue, bytes.Clone(p[1:]))
	return len(p), nil
}

func (l *loopback) Read(p []byte) (int, error) {
	if len(l.queue) == 0 {
		return 0, io.EOF
	}
	n := copy(p, l.queue[0])
	l.queue = l.queue[1:]
	return n, nil
}

func TestConnExchange(t *testing.T) {
	lb := &loopback{}
	c := NewConn(lb)

	req := bytes.Repeat([]byte{7}, 130)
	resp, err := c.Exchange(req)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !bytes.Equal(resp, req) {
		t.Errorf("echoed packet differs")
	}

	if len(lb.writes) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(lb.writes))
	}
	for i, w := range lb.writes {
		if len(w) != ReportSize+1 || w[0] != 0 {
			t.Errorf("report %d: want report id 0 and %d bytes, got id %d and %d bytes", i, ReportSize+1, w[0], len(w))
		}
	}

	if _, err := c.Receive(); err == nil {
		t.Error("expected error once the device stops answering")
	}
}

func TestReportsWriteTooLong(t *testing.T) {
	r := NewReports(&loopback{})
	if _, err := r.Write(make([]byte, ReportSize+1)); err == nil {
		t.Error("expected error for oversize report")
	}
}
