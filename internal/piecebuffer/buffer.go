package piecebuffer

import (
	"fmt"
	"io"
)

// minRead is the smallest tail ReadFrom keeps free before each read
const minRead = 512

// Buffer is a non-shrinking byte array with a logical length.
//
// Bytes in [0, Len()) are content written since the last Reset; bytes past it may
// hold data from a previous checkout and are never returned. The underlying
// storage only grows, so a buffer that has held a large piece once never
// reallocates for a piece of the same size again.
//
// A Buffer is not safe for concurrent use. Exclusivity comes from the pool's
// checkout discipline.
type Buffer struct {
	storage []byte
	n       int
	pool    *Pool
}

// New creates a standalone buffer with the given initial capacity.
// Release on a standalone buffer is a no-op.
func New(capacity int) *Buffer {
	return &Buffer{storage: make([]byte, 0, capacity)}
}

// Reset empties the buffer without touching its storage
func (b *Buffer) Reset() {
	b.n = 0
}

// Len returns the logical length
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the physical capacity of the storage
func (b *Buffer) Cap() int {
	return cap(b.storage)
}

// grow makes room for k more bytes and returns the offset they start at
func (b *Buffer) grow(k int) int {
	m := b.n
	need := m + k
	if k < 0 || need < m {
		panic(ErrTooLarge)
	}
	if need <= cap(b.storage) {
		b.storage = b.storage[:need]
		return m
	}
	c := 2 * cap(b.storage)
	if c < need {
		c = need
	}
	if c < 0 {
		// doubling overflowed; settle for the exact size
		c = need
	}
	storage := make([]byte, need, c)
	copy(storage, b.storage[:m])
	b.storage = storage
	return m
}

// Append extends the logical content with p
func (b *Buffer) Append(p []byte) {
	m := b.grow(len(p))
	b.n = m + copy(b.storage[m:], p)
}

// Write implements io.Writer. It never returns an error.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// ReadFrom implements io.ReaderFrom, reading r until EOF directly into storage
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		m := b.grow(minRead)
		// read into the whole spare capacity, not just minRead
		b.storage = b.storage[:cap(b.storage)]
		k, err := r.Read(b.storage[m:])
		if k < 0 || k > len(b.storage)-m {
			panic("piecebuffer: reader returned invalid count from Read")
		}
		b.n = m + k
		total += int64(k)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ReadFull reads exactly k bytes from r into the buffer.
// The logical length grows by the number of bytes actually read, even on error.
func (b *Buffer) ReadFull(r io.Reader, k int) (int, error) {
	m := b.grow(k)
	read, err := io.ReadFull(r, b.storage[m:m+k])
	b.n = m + read
	return read, err
}

// AppendFunc lets fn append to the logical content in place, the way
// append-style APIs such as zstd's DecodeAll work. fn receives the current
// content with the spare capacity behind it and returns the extended slice.
// If fn fails the logical length is left unchanged.
func (b *Buffer) AppendFunc(fn func(dst []byte) ([]byte, error)) error {
	m := b.n
	out, err := fn(b.storage[:m])
	if err != nil {
		return err
	}
	if len(out) < m {
		panic("piecebuffer: AppendFunc result is shorter than the content it was given")
	}
	if cap(out) < cap(b.storage) {
		b.Append(out[m:])
		return nil
	}
	b.storage = out
	b.n = len(out)
	return nil
}

// Bytes returns a view of the logical content without copying.
// The view is only valid until the next mutation, Reset or Release.
func (b *Buffer) Bytes() []byte {
	return b.storage[:b.n:b.n]
}

// Slice returns the bytes in rg. The full logical range comes back as a
// zero-copy view (see Bytes); any narrower range is copied.
func (b *Buffer) Slice(rg Range) []byte {
	lo, hi := rg.resolve(b.n)
	if lo == 0 && hi == b.n {
		return b.Bytes()
	}
	out := make([]byte, hi-lo)
	copy(out, b.storage[lo:hi])
	return out
}

// At returns the byte at index i. Negative indexes count from the end.
func (b *Buffer) At(i int) (byte, error) {
	if i < -b.n || i >= b.n {
		return 0, fmt.Errorf("%w: index %d, length %d", ErrOutOfRange, i, b.n)
	}
	if i < 0 {
		i += b.n
	}
	return b.storage[i], nil
}

// Copy returns an independent copy of the logical content, safe to keep after
// the buffer is reset or released
func (b *Buffer) Copy() []byte {
	out := make([]byte, b.n)
	copy(out, b.storage[:b.n])
	return out
}

// Release hands the buffer back to the pool it came from.
// The caller must not touch the buffer again until a later Acquire returns it.
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.Release(b)
	}
}
