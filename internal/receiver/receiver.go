package receiver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/SkynetNext/piecebuf/internal/accesslog"
	"github.com/SkynetNext/piecebuf/internal/compress"
	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/logger"
	"github.com/SkynetNext/piecebuf/internal/metrics"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/protocol"
	"github.com/SkynetNext/piecebuf/internal/ratelimit"
	"github.com/SkynetNext/piecebuf/internal/tracing"
)

var errUnknownProtocol = errors.New("unknown protocol")

// Server receives pieces over TCP.
//
// Each connection sends a handshake followed by block frames. Blocks of a
// piece are appended, in order, to a buffer checked out from the shared pool;
// the completed piece is handed to the Sink and the buffer goes straight back
// to the pool.
type Server struct {
	config   *config.Config
	configMu sync.RWMutex // Protects config and limiters

	pool      *piecebuffer.Pool
	decoder   *compress.Decoder
	sink      Sink
	accessLog *accesslog.Logger

	rateLimiter *ratelimit.Limiter
	ipLimiter   *ratelimit.IPLimiter

	listener     net.Listener
	healthServer *http.Server
	healthDone   chan struct{}

	conns   *xsync.MapOf[uint64, *connState] // connection id -> state
	connSeq atomic.Uint64
	pieces  atomic.Int64

	draining atomic.Bool
	wg       sync.WaitGroup // accept loop and connections
}

// connState tracks one live connection
type connState struct {
	conn       net.Conn
	remoteAddr string
	startedAt  time.Time
	pieces     atomic.Int64
	blocks     atomic.Int64
	bytesIn    atomic.Int64
}

// Stats is a snapshot of receiver activity
type Stats struct {
	ActiveConnections int               `json:"active_connections"`
	PiecesReceived    int64             `json:"pieces_received"`
	Pool              piecebuffer.Stats `json:"pool"`
}

// New creates a receiver. The pool is shared, not owned: the caller keeps it
// alive for as long as the server runs.
func New(cfg *config.Config, pool *piecebuffer.Pool, sink Sink) *Server {
	if sink == nil {
		sink = Discard
	}
	return &Server{
		config:      cfg,
		pool:        pool,
		decoder:     compress.NewDecoder(cfg.Buffer.MaxPieceSize),
		sink:        sink,
		accessLog:   accesslog.New(logger.L, 100, 5*time.Second), // Batch 100 entries or flush every 5 seconds
		rateLimiter: ratelimit.NewLimiter(int64(cfg.Security.MaxConnections)),
		ipLimiter:   ratelimit.NewIPLimiter(cfg.Security.MaxConnectionsPerIP, cfg.Security.ConnectionRateLimit),
		conns:       xsync.NewMapOf[uint64, *connState](),
	}
}

// Start starts the health server and the piece listener
func (s *Server) Start(ctx context.Context) error {
	cfg := s.GetConfig()

	if cfg.Server.HealthCheckPort > 0 {
		if err := s.startHealthServer(cfg.Server.HealthCheckPort); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	if err := s.startListener(ctx, cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return nil
}

// Addr returns the piece listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for open ones to finish.
// When ctx expires first, remaining connections are closed; their partial
// pieces are released back to the pool as they unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	s.draining.Store(true)

	// 2. Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
	}

	// 3. Wait for active connections to close (with timeout)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		closed := 0
		s.conns.Range(func(_ uint64, cs *connState) bool {
			cs.conn.Close()
			closed++
			return true
		})
		logger.L.Warn("shutdown timeout reached, closing connections",
			zap.Int("connections", closed),
		)
		<-done
	}

	// 4. Shutdown health server
	if s.healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.healthServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown health server: %w", err)
		}
		<-s.healthDone
	}

	// 5. Flush access log and stop decoders
	s.accessLog.Close()
	s.decoder.Close()

	return nil
}

// Stats returns a snapshot of receiver activity
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections: s.conns.Size(),
		PiecesReceived:    s.pieces.Load(),
		Pool:              s.pool.Stats(),
	}
}

// limiters returns the current limiters; a connection keeps using the pair it
// started with even if a reload swaps them
func (s *Server) limiters() (*ratelimit.Limiter, *ratelimit.IPLimiter) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.rateLimiter, s.ipLimiter
}

// startListener starts the piece listener
func (s *Server) startListener(ctx context.Context, addr string) error {
	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	logger.L.Info("piece listener started",
		zap.String("addr", s.listener.Addr().String()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set accept timeout to allow context cancellation check
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed during shutdown
			if s.draining.Load() {
				return
			}
			// Timeout is expected when checking context
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.L.Warn("accept connection error",
				zap.Error(err),
			)
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection handles one accepted connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	cfg := s.GetConfig()
	remoteAddr := conn.RemoteAddr().String()
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, "receiver.handle_connection",
		attribute.String("remote_addr", remoteAddr),
	)
	defer span.End()

	reject := func(reason string) {
		metrics.IncConnectionRejected(reason)
		logger.WarnWithTrace(ctx, "connection rejected",
			zap.String("remote_addr", remoteAddr),
			zap.String("reason", reason),
		)
		s.accessLog.Log(ctx, &accesslog.Entry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     "rejected",
			Error:      reason,
		})
	}

	rateLimiter, ipLimiter := s.limiters()
	ip := extractIP(remoteAddr)

	if !ipLimiter.Allow(ip) {
		reject("ip_rate_limit")
		return
	}
	defer ipLimiter.Release(ip)

	if !rateLimiter.Allow() {
		reject("max_connections")
		return
	}
	defer rateLimiter.Release()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	id := s.connSeq.Add(1)
	cs := &connState{conn: conn, remoteAddr: remoteAddr, startedAt: startTime}
	s.conns.Store(id, cs)
	defer s.conns.Delete(id)

	sc := protocol.NewSniffConn(conn)
	if err := sc.SetReadDeadline(time.Now().Add(cfg.Server.ReadTimeout)); err != nil {
		logger.DebugWithTrace(ctx, "failed to set initial read deadline", zap.Error(err))
		return
	}

	proto, err := sc.Sniff()
	if err != nil {
		logger.DebugWithTrace(ctx, "connection closed before sniffing",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}
	span.SetAttributes(attribute.String("protocol", proto.String()))

	entry := &accesslog.Entry{RemoteAddr: remoteAddr}
	switch proto {
	case protocol.ProtocolPiece:
		err = s.handlePieceConnection(ctx, sc, cs, cfg, entry)
	case protocol.ProtocolHTTP:
		err = s.handleHTTPConnection(sc)
	default:
		metrics.IncConnectionRejected("unknown_protocol")
		err = errUnknownProtocol
	}

	entry.Pieces = cs.pieces.Load()
	entry.Blocks = cs.blocks.Load()
	entry.BytesIn = cs.bytesIn.Load()
	entry.DurationMs = time.Since(startTime).Milliseconds()
	entry.Status = "success"
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnWithTrace(ctx, "connection ended with error",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
	}
	s.accessLog.Log(ctx, entry)
}

// handlePieceConnection runs the block loop of one piece connection
func (s *Server) handlePieceConnection(ctx context.Context, sc *protocol.SniffConn, cs *connState, cfg *config.Config, entry *accesslog.Entry) error {
	hs, err := protocol.ReadHandshake(sc)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	entry.InfoHash = hex.EncodeToString(hs.InfoHash[:])

	asm := newAssembler(s.pool, cfg.Server.MaxPiecesInFlight, cfg.Buffer.MaxPieceSize)
	defer asm.releaseAll()

	// Compressed payloads land here before being decoded into their piece
	scratch := s.pool.Acquire()
	defer scratch.Release()

	for {
		if err := sc.SetReadDeadline(time.Now().Add(cfg.Server.ReadTimeout)); err != nil {
			return err
		}

		hdr, err := protocol.ParseBlockHeader(sc)
		if err != nil {
			if err == io.EOF {
				if n := asm.inFlight(); n > 0 {
					metrics.IncPieceError("incomplete")
					return fmt.Errorf("connection closed with %d pieces incomplete", n)
				}
				return nil
			}
			return err
		}

		if err := s.readBlock(sc, hdr, asm, scratch, cfg); err != nil {
			metrics.IncPieceError(errorType(err))
			return err
		}
		cs.blocks.Add(1)
		cs.bytesIn.Add(int64(hdr.Length))
		metrics.BlocksReceived.WithLabelValues(hdr.Codec.String()).Inc()
		metrics.BytesReceived.Add(float64(hdr.Length))

		if hdr.Last() {
			if err := s.completePiece(ctx, sc, hs, hdr.Piece, asm.take(hdr.Piece), cfg); err != nil {
				return err
			}
			cs.pieces.Add(1)
		}
	}
}

// readBlock appends one block's payload to its piece. The piece size limit is
// enforced before any byte lands in the piece buffer, so a block can never
// grow a pooled buffer much past max_piece_size.
func (s *Server) readBlock(r io.Reader, hdr *protocol.BlockHeader, asm *assembler, scratch *piecebuffer.Buffer, cfg *config.Config) error {
	buf, err := asm.bufferFor(hdr)
	if err != nil {
		return err
	}
	room := asm.room(buf)

	if hdr.Codec == compress.None {
		if room != compress.NoLimit && int64(hdr.Length) > int64(room) {
			return fmt.Errorf("%w: piece %d has %d bytes, block adds %d (max: %d)",
				ErrPieceTooLarge, hdr.Piece, buf.Len(), hdr.Length, cfg.Buffer.MaxPieceSize)
		}
		// Uncompressed payloads are read straight into the piece buffer
		return protocol.ReadPayload(r, hdr, buf, cfg.Security.MaxBlockSize)
	}

	scratch.Reset()
	if err := protocol.ReadPayload(r, hdr, scratch, cfg.Security.MaxBlockSize); err != nil {
		return err
	}
	if err := s.decoder.DecodeTo(buf, hdr.Codec, scratch.Bytes(), room); err != nil {
		if errors.Is(err, compress.ErrTooLarge) {
			return fmt.Errorf("%w: piece %d: %w", ErrPieceTooLarge, hdr.Piece, err)
		}
		return err
	}
	return nil
}

// completePiece hands a finished piece to the sink, acks it and releases its buffer
func (s *Server) completePiece(ctx context.Context, w *protocol.SniffConn, hs *protocol.Handshake, index uint32, buf *piecebuffer.Buffer, cfg *config.Config) error {
	defer buf.Release()

	ctx, span := tracing.StartSpan(ctx, "receiver.piece",
		attribute.Int64("piece", int64(index)),
		attribute.Int("bytes", buf.Len()),
	)
	defer span.End()

	start := time.Now()
	err := s.sink.Consume(ctx, hs.InfoHash, index, buf.Bytes())
	metrics.SinkLatency.Observe(time.Since(start).Seconds())

	ack := &protocol.Ack{Piece: index, Length: uint32(buf.Len()), Status: protocol.AckOK}
	if err != nil {
		ack.Status = protocol.AckRejected
		metrics.IncPieceError("sink")
		span.RecordError(err)
		logger.WarnWithTrace(ctx, "sink rejected piece",
			zap.Uint32("piece", index),
			zap.Error(err),
		)
	} else {
		metrics.PiecesReceived.Inc()
		metrics.PieceBytes.Observe(float64(buf.Len()))
		s.pieces.Add(1)
	}

	if err := w.SetWriteDeadline(time.Now().Add(cfg.Server.WriteTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteAck(w, ack); err != nil {
		return fmt.Errorf("failed to write ack: %w", err)
	}
	return nil
}

// errorType maps a block error to a metric label
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrTooManyPieces):
		return "too_many_pieces"
	case errors.Is(err, ErrPieceTooLarge):
		return "piece_too_large"
	case errors.Is(err, protocol.ErrMessageTooLarge):
		return "block_too_large"
	case errors.Is(err, compress.ErrUnknownCodec):
		return "unknown_codec"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	default:
		return "read"
	}
}

// extractIP extracts IP address from "host:port" format
func extractIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
