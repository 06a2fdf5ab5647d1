// Package flashgrid maps target slots onto the fixed grid of flash rows the
// device firmware reads its configuration from. It does no I/O.
package flashgrid

import (
	"fmt"
	"iter"
)

// Address is one flash row.
type Address struct {
	Array byte
	Row   uint16
}

func (a Address) String() string { return fmt.Sprintf("array %d row %d", a.Array, a.Row) }

// Grid is the layout of configuration rows: slot i owns RowsPerSlot
// consecutive rows of Array starting at FirstRow + i*RowsPerSlot.
type Grid struct {
	Array       byte
	FirstRow    uint16
	RowsPerSlot int
	RowSize     int
}

// Default matches the layout shipped device firmware expects.
var Default = Grid{Array: 1, FirstRow: 0, RowsPerSlot: 4, RowSize: 256}

// Validate checks the grid can address targets slots without running off
// the 16-bit row space.
func (g Grid) Validate(targets int) error {
	if g.RowsPerSlot <= 0 {
		return fmt.Errorf("rows per slot must be positive, got %d", g.RowsPerSlot)
	}
	if g.RowSize <= 0 {
		return fmt.Errorf("row size must be positive, got %d", g.RowSize)
	}
	if targets <= 0 {
		return fmt.Errorf("target count must be positive, got %d", targets)
	}
	if last := int(g.FirstRow) + targets*g.RowsPerSlot - 1; last > 0xFFFF {
		return fmt.Errorf("%d targets need rows up to %d, past the last row", targets, last)
	}
	return nil
}

// RecordSize is the byte size of one slot.
func (g Grid) RecordSize() int { return g.RowsPerSlot * g.RowSize }

// TotalRows is the number of rows targets slots occupy.
func (g Grid) TotalRows(targets int) int { return targets * g.RowsPerSlot }

// Slot returns the half-open row range [first, end) of slot i.
func (g Grid) Slot(i int) (first, end int) {
	first = int(g.FirstRow) + i*g.RowsPerSlot
	return first, first + g.RowsPerSlot
}

// Address returns the address of row r within slot i.
func (g Grid) Address(slot, r int) Address {
	first, _ := g.Slot(slot)
	return Address{Array: g.Array, Row: uint16(first + r)}
}

// Rows yields every (slot, address) for targets slots in increasing address
// order.
func (g Grid) Rows(targets int) iter.Seq2[int, Address] {
	return func(yield func(int, Address) bool) {
		for slot := 0; slot < targets; slot++ {
			for r := 0; r < g.RowsPerSlot; r++ {
				if !yield(slot, g.Address(slot, r)) {
					return
				}
			}
		}
	}
}

// Chunk splits a record into RowsPerSlot row-sized chunks. A short record is
// zero-padded; a long one is an error.
func (g Grid) Chunk(record []byte) ([][]byte, error) {
	if len(record) > g.RecordSize() {
		return nil, fmt.Errorf("record is %d bytes, slot holds %d", len(record), g.RecordSize())
	}
	padded := make([]byte, g.RecordSize())
	copy(padded, record)

	chunks := make([][]byte, g.RowsPerSlot)
	for r := range chunks {
		chunks[r] = padded[r*g.RowSize : (r+1)*g.RowSize]
	}
	return chunks, nil
}
