package receiver

import (
	"errors"
	"testing"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/protocol"
)

func TestAssembler_InOrderBlocks(t *testing.T) {
	pool := piecebuffer.NewPool()
	asm := newAssembler(pool, 2, 0)

	buf, err := asm.bufferFor(&protocol.BlockHeader{Piece: 1, Begin: 0, Codec: compress.None})
	if err != nil {
		t.Fatalf("first block: %v", err)
	}
	buf.Append([]byte("hello "))

	next, err := asm.bufferFor(&protocol.BlockHeader{Piece: 1, Begin: 6})
	if err != nil {
		t.Fatalf("second block: %v", err)
	}
	if next != buf {
		t.Fatal("second block got a different buffer")
	}
	next.Append([]byte("world"))

	got := asm.take(1)
	if string(got.Bytes()) != "hello world" {
		t.Errorf("piece = %q, want %q", got.Bytes(), "hello world")
	}
	if asm.inFlight() != 0 {
		t.Errorf("inFlight = %d after take, want 0", asm.inFlight())
	}
	got.Release()

	if s := pool.Stats(); s.InUse != 0 {
		t.Errorf("InUse = %d, want 0", s.InUse)
	}
}

func TestAssembler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		headers []protocol.BlockHeader
		want    error
	}{
		{
			name:    "new piece not at zero",
			headers: []protocol.BlockHeader{{Piece: 0, Begin: 16}},
			want:    ErrOutOfOrder,
		},
		{
			name:    "gap in piece",
			headers: []protocol.BlockHeader{{Piece: 0, Begin: 0}, {Piece: 0, Begin: 32}},
			want:    ErrOutOfOrder,
		},
		{
			name:    "too many pieces",
			headers: []protocol.BlockHeader{{Piece: 0}, {Piece: 1}, {Piece: 2}},
			want:    ErrTooManyPieces,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := piecebuffer.NewPool()
			asm := newAssembler(pool, 2, 0)
			defer asm.releaseAll()

			var err error
			for i := range tt.headers {
				if _, err = asm.bufferFor(&tt.headers[i]); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAssembler_Room(t *testing.T) {
	asm := newAssembler(piecebuffer.NewPool(), 1, 8)
	buf, err := asm.bufferFor(&protocol.BlockHeader{Piece: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer asm.releaseAll()

	if got := asm.room(buf); got != 8 {
		t.Errorf("room of empty piece = %d, want 8", got)
	}
	buf.Append([]byte("12345678"))
	if got := asm.room(buf); got != 0 {
		t.Errorf("room at limit = %d, want 0", got)
	}

	unbounded := newAssembler(piecebuffer.NewPool(), 1, 0)
	if got := unbounded.room(buf); got != compress.NoLimit {
		t.Errorf("room without a maximum = %d, want %d", got, compress.NoLimit)
	}
}

func TestAssembler_ReleaseAll(t *testing.T) {
	pool := piecebuffer.NewPool()
	asm := newAssembler(pool, 4, 0)
	for i := uint32(0); i < 3; i++ {
		if _, err := asm.bufferFor(&protocol.BlockHeader{Piece: i}); err != nil {
			t.Fatal(err)
		}
	}
	if s := pool.Stats(); s.InUse != 3 {
		t.Fatalf("InUse = %d, want 3", s.InUse)
	}

	asm.releaseAll()
	if s := pool.Stats(); s.InUse != 0 || s.Free != 3 {
		t.Errorf("after releaseAll: %+v, want InUse 0 Free 3", s)
	}
}
