package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/protocol"
	"github.com/SkynetNext/piecebuf/internal/receiver"
)

func BenchmarkPool_AcquireRelease(b *testing.B) {
	pool := piecebuffer.NewPool(piecebuffer.WithInitialCapacity(256 * 1024))
	block := make([]byte, 16*1024)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.Acquire()
			buf.Append(block)
			buf.Release()
		}
	})
}

func BenchmarkReceiver_Piece(b *testing.B) {
	for _, codec := range []compress.Codec{compress.None, compress.Snappy, compress.Zstd} {
		b.Run(codec.String(), func(b *testing.B) {
			benchmarkReceiver(b, codec, 256*1024, 16*1024)
		})
	}
}

func benchmarkReceiver(b *testing.B, codec compress.Codec, pieceSize, blockSize int) {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.HealthCheckPort = 0

	pool := piecebuffer.NewPool(piecebuffer.WithInitialCapacity(pieceSize))
	srv := receiver.New(cfg, pool, receiver.Discard)
	if err := srv.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	enc, err := compress.NewEncoder()
	if err != nil {
		b.Fatal(err)
	}
	defer enc.Close()

	piece := make([]byte, pieceSize)
	for i := range piece {
		piece[i] = byte(i % 97)
	}
	var payloads [][]byte
	for begin := 0; begin < pieceSize; begin += blockSize {
		p, err := enc.Encode(codec, piece[begin:begin+blockSize])
		if err != nil {
			b.Fatal(err)
		}
		payloads = append(payloads, append([]byte(nil), p...))
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()
	if err := protocol.WriteHandshake(conn, &protocol.Handshake{}); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(pieceSize))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j, payload := range payloads {
			hdr := &protocol.BlockHeader{Piece: uint32(i), Begin: uint32(j * blockSize), Codec: codec}
			if j == len(payloads)-1 {
				hdr.Flags = protocol.FlagLast
			}
			if err := protocol.WriteBlock(conn, hdr, payload); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := protocol.ReadAck(conn); err != nil {
			b.Fatal(err)
		}
	}
}
