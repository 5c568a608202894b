package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/protocol"
)

var (
	addr        = flag.String("addr", "localhost:6881", "Receiver address")
	connections = flag.Int("connections", 10, "Number of concurrent connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	pieceSize   = flag.Int("piece-size", 256*1024, "Piece size in bytes")
	blockSize   = flag.Int("block-size", 16*1024, "Block size in bytes")
	codecName   = flag.String("codec", "none", "Block codec (none, gzip, snappy, lz4, zstd)")
	infoHashHex = flag.String("infohash", "", "Info hash as 40 hex characters (random when empty)")
	timeout     = flag.Duration("timeout", 5*time.Second, "Connection and ack timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections atomic.Int64
	FailedConns      atomic.Int64
	PiecesAcked      atomic.Int64
	PiecesRejected   atomic.Int64
	BytesSent        atomic.Int64 // On the wire, after compression
	BytesAcked       atomic.Int64 // Decoded piece bytes acknowledged
	TotalLatency     atomic.Int64
	MaxLatency       atomic.Int64
	WriteErrors      atomic.Int64
	ReadErrors       atomic.Int64
}

var stats Stats

func main() {
	flag.Parse()

	codec, err := compress.ParseCodec(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid codec: %v\n", err)
		os.Exit(2)
	}

	var infoHash [20]byte
	if *infoHashHex != "" {
		b, err := hex.DecodeString(*infoHashHex)
		if err != nil || len(b) != len(infoHash) {
			fmt.Fprintf(os.Stderr, "infohash must be 40 hex characters\n")
			os.Exit(2)
		}
		copy(infoHash[:], b)
	} else {
		rand.Read(infoHash[:])
	}

	enc, err := compress.NewEncoder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create encoder: %v\n", err)
		os.Exit(1)
	}
	defer enc.Close()

	// Every piece carries the same payload; it is encoded once per block
	blocks, err := encodePiece(enc, codec, makePiece(*pieceSize), *blockSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode piece: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== piecebuf sender ===\n")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Info hash: %x\n", infoHash)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Piece: %d bytes in %d blocks (%s)\n", *pieceSize, len(blocks), codec)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runConnection(ctx, id, infoHash, codec, blocks)
		}(i)
	}
	wg.Wait()

	<-statsDone
	printFinalReport(time.Since(startTime))
}

// encodedBlock is one block ready to send
type encodedBlock struct {
	begin   uint32
	payload []byte
	last    bool
}

func makePiece(n int) []byte {
	// Half random, half repeated, so compressing codecs have something to do
	piece := make([]byte, n)
	rand.Read(piece[:n/2])
	for i := n / 2; i < n; i++ {
		piece[i] = byte(i % 64)
	}
	return piece
}

func encodePiece(enc *compress.Encoder, codec compress.Codec, piece []byte, blockSize int) ([]encodedBlock, error) {
	var blocks []encodedBlock
	for begin := 0; begin < len(piece); begin += blockSize {
		end := min(begin+blockSize, len(piece))
		payload, err := enc.Encode(codec, piece[begin:end])
		if err != nil {
			return nil, err
		}
		// Encoders may return pooled output; keep a private copy
		blocks = append(blocks, encodedBlock{
			begin:   uint32(begin),
			payload: append([]byte(nil), payload...),
			last:    end == len(piece),
		})
	}
	return blocks, nil
}

func runConnection(ctx context.Context, id int, infoHash [20]byte, codec compress.Codec, blocks []encodedBlock) {
	stats.TotalConnections.Add(1)

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		stats.FailedConns.Add(1)
		if *verbose {
			fmt.Printf("❌ Connection %d failed: %v\n", id, err)
		}
		return
	}
	defer conn.Close()

	if err := protocol.WriteHandshake(conn, &protocol.Handshake{InfoHash: infoHash}); err != nil {
		stats.WriteErrors.Add(1)
		return
	}

	for index := uint32(0); ; index++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sendPiece(conn, index, codec, blocks); err != nil {
			if *verbose {
				fmt.Printf("❌ Connection %d piece %d failed: %v\n", id, index, err)
			}
			return
		}
	}
}

func sendPiece(conn net.Conn, index uint32, codec compress.Codec, blocks []encodedBlock) error {
	start := time.Now()
	conn.SetWriteDeadline(start.Add(*timeout))

	for _, blk := range blocks {
		hdr := &protocol.BlockHeader{Piece: index, Begin: blk.begin, Codec: codec}
		if blk.last {
			hdr.Flags = protocol.FlagLast
		}
		if err := protocol.WriteBlock(conn, hdr, blk.payload); err != nil {
			stats.WriteErrors.Add(1)
			return err
		}
		stats.BytesSent.Add(int64(protocol.BlockHeaderSize + len(blk.payload)))
	}

	conn.SetReadDeadline(time.Now().Add(*timeout))
	ack, err := protocol.ReadAck(conn)
	if err != nil {
		stats.ReadErrors.Add(1)
		return err
	}
	if ack.Piece != index {
		stats.ReadErrors.Add(1)
		return fmt.Errorf("ack for piece %d, expected %d", ack.Piece, index)
	}

	latency := time.Since(start)
	stats.TotalLatency.Add(int64(latency))
	for {
		old := stats.MaxLatency.Load()
		if int64(latency) <= old || stats.MaxLatency.CompareAndSwap(old, int64(latency)) {
			break
		}
	}

	if ack.Status != protocol.AckOK {
		stats.PiecesRejected.Add(1)
		return nil
	}
	stats.PiecesAcked.Add(1)
	stats.BytesAcked.Add(int64(ack.Length))
	return nil
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Conns: %d (failed: %d) | Pieces: %d (rejected: %d) | Sent: %d bytes",
		stats.TotalConnections.Load(), stats.FailedConns.Load(),
		stats.PiecesAcked.Load(), stats.PiecesRejected.Load(), stats.BytesSent.Load())
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := stats.TotalConnections.Load()
	failedConns := stats.FailedConns.Load()
	acked := stats.PiecesAcked.Load()
	rejected := stats.PiecesRejected.Load()
	sent := stats.BytesSent.Load()
	ackedBytes := stats.BytesAcked.Load()

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Failed: %d\n", failedConns)

	fmt.Printf("\n--- Pieces ---\n")
	fmt.Printf("Acked: %d\n", acked)
	fmt.Printf("Rejected: %d\n", rejected)
	fmt.Printf("Throughput: %.2f pieces/s\n", float64(acked)/elapsed.Seconds())

	fmt.Printf("\n--- Latency (per piece) ---\n")
	if n := acked + rejected; n > 0 {
		fmt.Printf("Avg: %v\n", time.Duration(stats.TotalLatency.Load()/n))
		fmt.Printf("Max: %v\n", time.Duration(stats.MaxLatency.Load()))
	}

	fmt.Printf("\n--- Bytes ---\n")
	fmt.Printf("Sent: %d (%.2f MB)\n", sent, float64(sent)/1024/1024)
	fmt.Printf("Acked: %d (%.2f MB)\n", ackedBytes, float64(ackedBytes)/1024/1024)
	if sent > 0 {
		fmt.Printf("Ratio: %.2f\n", float64(ackedBytes)/float64(sent))
	}
	fmt.Printf("Throughput: %.2f MB/s\n", float64(ackedBytes)/1024/1024/elapsed.Seconds())

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Write Errors: %d\n", stats.WriteErrors.Load())
	fmt.Printf("Read Errors: %d\n", stats.ReadErrors.Load())

	if totalConns == 0 || failedConns > totalConns/10 || rejected > acked/10 {
		fmt.Printf("\n❌ Test failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\n✅ Test completed successfully\n")
}
