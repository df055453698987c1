// Package dopplerlines tracks which Doppler bins produced a detection in
// the Doppler-direction CFAR pass of a frame.
package dopplerlines

import "fmt"

// ExhaustedError is the panic value raised by Next when no further bit is set.
type ExhaustedError struct {
	Cursor int
	Size   int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dopplerlines: no active line at or after %d (size %d)", e.Cursor, e.Size)
}

// Bitmap is a bitset indexed by Doppler bin with a forward scan cursor.
type Bitmap struct {
	words  []uint32
	cursor int
}

// New returns a bitmap sized for numDopplerBins, using max(numDopplerBins/32, 1)
// words.
func New(numDopplerBins int) *Bitmap {
	n := numDopplerBins >> 5
	if n < 1 {
		n = 1
	}
	return &Bitmap{words: make([]uint32, n)}
}

// Over returns a cleared bitmap backed by words, which is typically a view
// into working memory.
func Over(words []uint32) *Bitmap {
	b := &Bitmap{words: words}
	b.Reset()
	return b
}

// Len returns the number of indexable bins.
func (b *Bitmap) Len() int { return len(b.words) * 32 }

// Reset clears all bits and the scan cursor.
func (b *Bitmap) Reset() {
	clear(b.words)
	b.cursor = 0
}

// Set marks index as active.
func (b *Bitmap) Set(index int) {
	b.words[index>>5] |= 1 << uint(index&31)
}

// IsSet reports whether index is active.
func (b *Bitmap) IsSet(index int) bool {
	return b.words[index>>5]&(1<<uint(index&31)) != 0
}

// Next returns the smallest active index at or after the cursor and moves
// the cursor past it. Callers must call Next no more often than bits were
// set since the last Reset; an over-read panics with *ExhaustedError.
func (b *Bitmap) Next() int {
	for i := b.cursor; i < b.Len(); i++ {
		if b.IsSet(i) {
			b.cursor = i + 1
			return i
		}
	}
	panic(&ExhaustedError{Cursor: b.cursor, Size: b.Len()})
}
