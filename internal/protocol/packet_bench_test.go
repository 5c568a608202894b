package protocol

import (
	"bytes"
	"testing"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
)

// BenchmarkWriteBlock benchmarks framing a 16 KiB block
func BenchmarkWriteBlock(b *testing.B) {
	w := &bytes.Buffer{}
	payload := make([]byte, 16*1024)
	hdr := &BlockHeader{Piece: 7, Begin: 16384, Codec: compress.None}

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Reset()
		WriteBlock(w, hdr, payload)
	}
}

// BenchmarkParseBlockHeader benchmarks decoding a block header
func BenchmarkParseBlockHeader(b *testing.B) {
	var w bytes.Buffer
	WriteBlockHeader(&w, &BlockHeader{Piece: 7, Begin: 16384, Length: 16384, Flags: FlagLast})
	raw := w.Bytes()
	r := bytes.NewReader(raw)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Reset(raw)
		ParseBlockHeader(r)
	}
}

// BenchmarkReadBlock benchmarks reading a 16 KiB block into a reused piece buffer
func BenchmarkReadBlock(b *testing.B) {
	var w bytes.Buffer
	payload := make([]byte, 16*1024)
	WriteBlock(&w, &BlockHeader{Piece: 7}, payload)
	raw := w.Bytes()
	r := bytes.NewReader(raw)
	dst := piecebuffer.New(len(payload))

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Reset(raw)
		dst.Reset()
		ReadBlock(r, dst, len(payload))
	}
}
