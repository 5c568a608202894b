package accesslog

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Entry represents one finished piece connection
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	InfoHash   string    `json:"info_hash,omitempty"`
	Pieces     int64     `json:"pieces,omitempty"`
	Blocks     int64     `json:"blocks,omitempty"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // success, error, rejected
	Error      string    `json:"error,omitempty"`
}

// Logger writes access log entries in batches so the connection path never
// waits on log I/O
type Logger struct {
	log           *zap.Logger
	entries       chan *Entry
	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New starts a batching access logger
// batchSize: number of entries to accumulate before flushing
// flushInterval: maximum time an entry waits before flushing
func New(log *zap.Logger, batchSize int, flushInterval time.Duration) *Logger {
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &Logger{
		log:           log,
		entries:       make(chan *Entry, batchSize*2), // Buffer 2x batch size
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
	}
	l.wg.Add(1)
	go l.processBatches()
	return l
}

// Log records an entry. It never blocks: when the buffer is full the entry is dropped.
func (l *Logger) Log(ctx context.Context, entry *Entry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	select {
	case l.entries <- entry:
	default:
		l.log.Warn("access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

// Close flushes pending entries and stops the batcher
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

func (l *Logger) processBatches() {
	defer l.wg.Done()

	batch := make([]*Entry, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			// Drain whatever is still queued
			for {
				select {
				case entry := <-l.entries:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		case entry := <-l.entries:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Logger) flush(batch []*Entry) {
	for _, entry := range batch {
		fields := []zap.Field{
			zap.Time("at", entry.Timestamp),
			zap.String("remote_addr", entry.RemoteAddr),
			zap.Int64("duration_ms", entry.DurationMs),
			zap.String("status", entry.Status),
		}

		if entry.TraceID != "" {
			fields = append(fields, zap.String("trace_id", entry.TraceID))
		}
		if entry.SpanID != "" {
			fields = append(fields, zap.String("span_id", entry.SpanID))
		}
		if entry.InfoHash != "" {
			fields = append(fields, zap.String("info_hash", entry.InfoHash))
		}
		if entry.Pieces > 0 {
			fields = append(fields, zap.Int64("pieces", entry.Pieces))
		}
		if entry.Blocks > 0 {
			fields = append(fields, zap.Int64("blocks", entry.Blocks))
		}
		if entry.BytesIn > 0 {
			fields = append(fields, zap.Int64("bytes_in", entry.BytesIn))
		}
		if entry.Error != "" {
			fields = append(fields, zap.String("error", entry.Error))
		}

		l.log.Info("access_log", fields...)
	}
}
