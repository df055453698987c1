// Package memory models the three memory tiers the pipeline works in and
// the typed views the processing stages use over them.
//
// Each tier is a byte arena. Buffers are placements (tier, offset, size)
// computed by Plan, so two buffers that overlay in the layout really do
// share bytes.
package memory

import (
	"fmt"
	"unsafe"
)

// Tier identifies one of the three memory pools.
type Tier uint8

const (
	// TierL1 is the small fast scratch memory.
	TierL1 Tier = iota
	// TierL2 is the mid-size working memory.
	TierL2
	// TierL3 is bulk storage for the radar cube and detection matrix.
	TierL3
	// NumTiers is the number of tiers.
	NumTiers
)

func (t Tier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Capacities holds the byte size of each tier.
type Capacities [NumTiers]int

// DefaultCapacities matches the DSP subsystem memory budget.
var DefaultCapacities = Capacities{16 << 10, 48 << 10, 768 << 10}

// Memory owns one arena per tier.
type Memory struct {
	arenas [NumTiers][]byte
}

// New allocates zeroed arenas of the given capacities. Arenas are 8-byte
// aligned.
func New(caps Capacities) *Memory {
	m := &Memory{}
	for t, n := range caps {
		words := make([]uint64, (n+7)/8)
		if len(words) == 0 {
			m.arenas[t] = []byte{}
			continue
		}
		m.arenas[t] = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:n]
	}
	return m
}

// Arena returns the whole arena for a tier.
func (m *Memory) Arena(t Tier) []byte { return m.arenas[t] }

// Capacity returns the size of a tier in bytes.
func (m *Memory) Capacity(t Tier) int { return len(m.arenas[t]) }

// Bytes returns the bytes of a placement. It panics if the placement does
// not lie inside its tier.
func (m *Memory) Bytes(p Placement) []byte {
	end := p.End()
	return m.arenas[p.Tier][p.Offset:end:end]
}

// Clear zeroes every arena.
func (m *Memory) Clear() {
	for _, a := range m.arenas {
		clear(a)
	}
}

// View reinterprets the bytes of a placement as a slice of T. T must be a
// fixed-size value type without pointers; the element count is the
// placement size divided by the element size.
func View[T any](m *Memory, p Placement) []T {
	return Cast[T](m.Bytes(p))
}

// Cast reinterprets b as a slice of T.
func Cast[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	n := len(b) / size
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// AsBytes reinterprets a slice of fixed-size values as its backing bytes.
func AsBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}
