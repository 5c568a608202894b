package receiver

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/protocol"
)

var (
	// ErrOutOfOrder is returned when a block does not start where its piece currently ends
	ErrOutOfOrder = errors.New("block out of order")

	// ErrTooManyPieces is returned when a connection opens more pieces than allowed
	ErrTooManyPieces = errors.New("too many pieces in flight")

	// ErrPieceTooLarge is returned when a piece grows past the configured maximum
	ErrPieceTooLarge = errors.New("piece exceeds maximum size")
)

// assembler collects the blocks of the pieces one connection has in flight.
// Every piece owns a pooled buffer from its first block until it completes or
// the connection ends.
type assembler struct {
	pool         *piecebuffer.Pool
	maxInFlight  int
	maxPieceSize int
	pending      map[uint32]*piecebuffer.Buffer
}

func newAssembler(pool *piecebuffer.Pool, maxInFlight, maxPieceSize int) *assembler {
	return &assembler{
		pool:         pool,
		maxInFlight:  maxInFlight,
		maxPieceSize: maxPieceSize,
		pending:      make(map[uint32]*piecebuffer.Buffer, maxInFlight),
	}
}

// bufferFor returns the buffer the block described by hdr appends to,
// checking out a new one for the first block of a piece
func (a *assembler) bufferFor(hdr *protocol.BlockHeader) (*piecebuffer.Buffer, error) {
	buf, ok := a.pending[hdr.Piece]
	if !ok {
		if hdr.Begin != 0 {
			return nil, fmt.Errorf("%w: piece %d starts at offset %d", ErrOutOfOrder, hdr.Piece, hdr.Begin)
		}
		if len(a.pending) >= a.maxInFlight {
			return nil, fmt.Errorf("%w: %d", ErrTooManyPieces, len(a.pending))
		}
		buf = a.pool.Acquire()
		a.pending[hdr.Piece] = buf
		return buf, nil
	}

	if int64(hdr.Begin) != int64(buf.Len()) {
		return nil, fmt.Errorf("%w: piece %d has %d bytes, block begins at %d",
			ErrOutOfOrder, hdr.Piece, buf.Len(), hdr.Begin)
	}
	return buf, nil
}

// room returns how many more bytes buf may take before its piece exceeds the
// maximum, or compress.NoLimit when pieces are unbounded
func (a *assembler) room(buf *piecebuffer.Buffer) int {
	if a.maxPieceSize <= 0 {
		return compress.NoLimit
	}
	return max(a.maxPieceSize-buf.Len(), 0)
}

// take removes a completed piece. The caller owns the returned buffer and must release it.
func (a *assembler) take(index uint32) *piecebuffer.Buffer {
	buf := a.pending[index]
	delete(a.pending, index)
	return buf
}

// inFlight returns the number of partially received pieces
func (a *assembler) inFlight() int {
	return len(a.pending)
}

// releaseAll returns every partial piece to the pool
func (a *assembler) releaseAll() {
	for index, buf := range a.pending {
		buf.Release()
		delete(a.pending, index)
	}
}
