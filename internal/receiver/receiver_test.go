package receiver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/protocol"
)

var testInfoHash = [20]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// recordingSink keeps a copy of every piece it consumes
type recordingSink struct {
	mu     sync.Mutex
	pieces map[uint32][]byte
	err    error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pieces: make(map[uint32][]byte)}
}

func (s *recordingSink) Consume(_ context.Context, infoHash [20]byte, index uint32, data []byte) error {
	if infoHash != testInfoHash {
		return fmt.Errorf("unexpected info hash %x", infoHash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pieces[index] = append([]byte(nil), data...)
	return nil
}

func (s *recordingSink) piece(index uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[index]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.HealthCheckPort = 0
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Security.MaxConnectionsPerIP = 100
	cfg.Security.ConnectionRateLimit = 1000
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, sink Sink) (*Server, *piecebuffer.Pool) {
	t.Helper()
	pool := piecebuffer.NewPool(piecebuffer.WithInitialCapacity(64))
	srv := New(cfg, pool, sink)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, pool
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	require.NoError(t, protocol.WriteHandshake(conn, &protocol.Handshake{InfoHash: testInfoHash}))
	return conn
}

// sendPiece writes data as blocks of at most blockSize bytes, each compressed
// with codec, in a single write
func sendPiece(t *testing.T, conn net.Conn, enc *compress.Encoder, index uint32, data []byte, blockSize int, codec compress.Codec) {
	t.Helper()
	var frames bytes.Buffer
	for begin := 0; begin < len(data); begin += blockSize {
		end := min(begin+blockSize, len(data))
		payload, err := enc.Encode(codec, data[begin:end])
		require.NoError(t, err)
		hdr := &protocol.BlockHeader{Piece: index, Begin: uint32(begin), Codec: codec}
		if end == len(data) {
			hdr.Flags = protocol.FlagLast
		}
		require.NoError(t, protocol.WriteBlock(&frames, hdr, payload))
	}
	_, err := conn.Write(frames.Bytes())
	require.NoError(t, err)
}

func newEncoder(t *testing.T) *compress.Encoder {
	t.Helper()
	enc, err := compress.NewEncoder()
	require.NoError(t, err)
	t.Cleanup(enc.Close)
	return enc
}

func pieceData(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func waitPoolIdle(t *testing.T, pool *piecebuffer.Pool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 0
	}, 5*time.Second, 10*time.Millisecond, "pooled buffers were not released")
}

func TestServer_ReceivesMultiBlockPiece(t *testing.T) {
	sink := newRecordingSink()
	srv, pool := startServer(t, testConfig(), sink)
	enc := newEncoder(t)

	conn := dial(t, srv)
	data := pieceData(1000, 7)
	sendPiece(t, conn, enc, 0, data, 300, compress.None)

	ack, err := protocol.ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ack.Piece)
	assert.Equal(t, uint32(len(data)), ack.Length)
	assert.Equal(t, protocol.AckOK, ack.Status)
	assert.Equal(t, data, sink.piece(0))

	conn.Close()
	waitPoolIdle(t, pool)
	assert.EqualValues(t, 1, srv.Stats().PiecesReceived)
}

func TestServer_CompressedBlocks(t *testing.T) {
	sink := newRecordingSink()
	srv, pool := startServer(t, testConfig(), sink)
	enc := newEncoder(t)
	conn := dial(t, srv)

	codecs := []compress.Codec{compress.None, compress.Gzip, compress.Snappy, compress.LZ4, compress.Zstd}
	for i, codec := range codecs {
		index := uint32(i)
		data := bytes.Repeat([]byte(codec.String()), 700)
		sendPiece(t, conn, enc, index, data, 1024, codec)

		ack, err := protocol.ReadAck(conn)
		require.NoError(t, err, codec.String())
		assert.Equal(t, index, ack.Piece, codec.String())
		assert.Equal(t, protocol.AckOK, ack.Status, codec.String())
		assert.Equal(t, data, sink.piece(index), codec.String())
	}

	conn.Close()
	waitPoolIdle(t, pool)
}

func TestServer_InterleavedPieces(t *testing.T) {
	sink := newRecordingSink()
	srv, pool := startServer(t, testConfig(), sink)
	conn := dial(t, srv)

	a := pieceData(200, 1)
	b := pieceData(200, 2)

	blocks := []struct {
		piece uint32
		begin int
		data  []byte
		last  bool
	}{
		{0, 0, a[:100], false},
		{1, 0, b[:100], false},
		{1, 100, b[100:], true},
		{0, 100, a[100:], true},
	}
	for _, blk := range blocks {
		hdr := &protocol.BlockHeader{Piece: blk.piece, Begin: uint32(blk.begin), Codec: compress.None}
		if blk.last {
			hdr.Flags = protocol.FlagLast
		}
		require.NoError(t, protocol.WriteBlock(conn, hdr, blk.data))
	}

	first, err := protocol.ReadAck(conn)
	require.NoError(t, err)
	second, err := protocol.ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Piece)
	assert.Equal(t, uint32(0), second.Piece)
	assert.Equal(t, a, sink.piece(0))
	assert.Equal(t, b, sink.piece(1))

	conn.Close()
	waitPoolIdle(t, pool)
}

func TestServer_OutOfOrderBlockClosesConnection(t *testing.T) {
	srv, pool := startServer(t, testConfig(), newRecordingSink())
	conn := dial(t, srv)

	hdr := &protocol.BlockHeader{Piece: 3, Begin: 0, Codec: compress.None}
	require.NoError(t, protocol.WriteBlock(conn, hdr, pieceData(64, 0)))
	hdr = &protocol.BlockHeader{Piece: 3, Begin: 128, Codec: compress.None, Flags: protocol.FlagLast}
	require.NoError(t, protocol.WriteBlock(conn, hdr, pieceData(64, 0)))

	_, err := protocol.ReadAck(conn)
	assert.Error(t, err)
	waitPoolIdle(t, pool)
}

func TestServer_TooManyPiecesInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxPiecesInFlight = 1
	srv, pool := startServer(t, cfg, newRecordingSink())
	conn := dial(t, srv)

	for _, index := range []uint32{0, 1} {
		hdr := &protocol.BlockHeader{Piece: index, Codec: compress.None}
		require.NoError(t, protocol.WriteBlock(conn, hdr, pieceData(32, byte(index))))
	}

	_, err := protocol.ReadAck(conn)
	assert.Error(t, err)
	waitPoolIdle(t, pool)
}

func TestServer_PieceTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer.MaxPieceSize = 100
	srv, pool := startServer(t, cfg, newRecordingSink())
	enc := newEncoder(t)
	conn := dial(t, srv)

	sendPiece(t, conn, enc, 0, pieceData(300, 0), 60, compress.None)

	_, err := protocol.ReadAck(conn)
	assert.Error(t, err)
	waitPoolIdle(t, pool)
}

func TestServer_SinkRejectionAcksRejected(t *testing.T) {
	sink := newRecordingSink()
	sink.err = errors.New("store unavailable")
	srv, pool := startServer(t, testConfig(), sink)
	enc := newEncoder(t)
	conn := dial(t, srv)

	sendPiece(t, conn, enc, 9, pieceData(50, 0), 50, compress.None)

	ack, err := protocol.ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), ack.Piece)
	assert.Equal(t, protocol.AckRejected, ack.Status)

	// The connection survives a rejected piece
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	sendPiece(t, conn, enc, 10, pieceData(50, 1), 50, compress.None)
	ack, err = protocol.ReadAck(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.AckOK, ack.Status)

	conn.Close()
	waitPoolIdle(t, pool)
	assert.EqualValues(t, 1, srv.Stats().PiecesReceived)
}

func TestServer_BufferReuseAcrossPieces(t *testing.T) {
	srv, pool := startServer(t, testConfig(), Discard)
	enc := newEncoder(t)
	conn := dial(t, srv)

	for i := uint32(0); i < 20; i++ {
		sendPiece(t, conn, enc, i, pieceData(4096, byte(i)), 1024, compress.None)
		_, err := protocol.ReadAck(conn)
		require.NoError(t, err)
	}

	conn.Close()
	waitPoolIdle(t, pool)
	// One scratch buffer plus one piece buffer serve every piece
	assert.Equal(t, 2, pool.Stats().Allocated)
}

func TestServer_HTTPStatsOnPiecePort(t *testing.T) {
	srv, _ := startServer(t, testConfig(), Discard)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /stats HTTP/1.1\r\nHost: piecebuf\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ActiveConnections)
}

func TestServer_RejectsUnknownProtocol(t *testing.T) {
	srv, _ := startServer(t, testConfig(), Discard)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("HELLO WORLD"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var b [1]byte
	_, err = conn.Read(b[:])
	assert.Error(t, err)
}

func TestServer_Handler(t *testing.T) {
	pool := piecebuffer.NewPool(piecebuffer.WithPrewarm(2))
	srv := New(testConfig(), pool, nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pool", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pool.Allocated)
	assert.Equal(t, 2, stats.Pool.Free)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, srv.Shutdown(context.Background()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_UpdateConfig(t *testing.T) {
	srv := New(testConfig(), piecebuffer.NewPool(), nil)
	oldLimiter, _ := srv.limiters()

	next := testConfig()
	next.Security.MaxConnections = 5
	require.NoError(t, srv.UpdateConfig(next))

	newLimiter, _ := srv.limiters()
	assert.NotSame(t, oldLimiter, newLimiter)
	assert.EqualValues(t, 5, newLimiter.Max())
	assert.Same(t, next, srv.GetConfig())

	bad := testConfig()
	bad.Server.ListenAddr = ""
	assert.Error(t, srv.UpdateConfig(bad))
	assert.Same(t, next, srv.GetConfig())
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:6881", "127.0.0.1"},
		{"[::1]:6881", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := extractIP(tt.addr); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestServer_CompressionBombKeepsBuffersBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer.MaxPieceSize = 64 * 1024
	srv, pool := startServer(t, cfg, newRecordingSink())
	enc := newEncoder(t)

	// 8 MiB of zeros compresses to a block far below max_block_size
	bomb := make([]byte, 8<<20)

	for _, codec := range []compress.Codec{compress.Gzip, compress.Snappy, compress.LZ4, compress.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			payload, err := enc.Encode(codec, bomb)
			require.NoError(t, err)
			require.Less(t, len(payload), cfg.Security.MaxBlockSize)

			conn := dial(t, srv)
			hdr := &protocol.BlockHeader{Piece: 0, Codec: codec, Flags: protocol.FlagLast}
			require.NoError(t, protocol.WriteBlock(conn, hdr, payload))

			_, err = protocol.ReadAck(conn)
			assert.Error(t, err, "connection should be closed")
			waitPoolIdle(t, pool)
		})
	}

	// Piece buffers stop near max_piece_size and the scratch buffer near
	// max_block_size; nothing approaches the decoded bomb size
	bound := 2 * max(cfg.Security.MaxBlockSize, cfg.Buffer.MaxPieceSize+1024)
	require.Less(t, bound, len(bomb))
	free := pool.Stats().Free
	bufs := make([]*piecebuffer.Buffer, free)
	for i := range bufs {
		bufs[i] = pool.Acquire()
		assert.LessOrEqual(t, bufs[i].Cap(), bound, "buffer %d", i)
	}
	for _, b := range bufs {
		b.Release()
	}
	assert.Equal(t, free, pool.Stats().Allocated)
}

func TestServer_ShutdownTimeoutReleasesPartialPieces(t *testing.T) {
	pool := piecebuffer.NewPool(piecebuffer.WithInitialCapacity(64))
	srv := New(testConfig(), pool, Discard)
	require.NoError(t, srv.Start(context.Background()))

	conn := dial(t, srv)
	hdr := &protocol.BlockHeader{Piece: 0, Codec: compress.None}
	require.NoError(t, protocol.WriteBlock(conn, hdr, pieceData(100, 0)))

	// Scratch buffer plus the partial piece
	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 2
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after its context expired")
	}

	assert.Equal(t, 0, pool.Stats().InUse)
	assert.Equal(t, 0, srv.Stats().ActiveConnections)

	_, err := protocol.ReadAck(conn)
	assert.Error(t, err)
}
