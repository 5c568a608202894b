package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "piecebuf_connections_active",
		Help: "Number of active piece connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piecebuf_connections_total",
		Help: "Total number of piece connections",
	})

	// Connection rejection metrics
	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piecebuf_connection_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"reason"})

	// Piece metrics
	PiecesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piecebuf_pieces_received_total",
		Help: "Total number of complete pieces received",
	})

	PieceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piecebuf_piece_errors_total",
		Help: "Total number of pieces abandoned",
	}, []string{"error_type"})

	PieceBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "piecebuf_piece_bytes",
		Help:    "Decoded piece size in bytes",
		Buckets: prometheus.ExponentialBuckets(16*1024, 2, 11), // 16KB to 16MB
	})

	// Block metrics
	BlocksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piecebuf_blocks_received_total",
		Help: "Total number of blocks received",
	}, []string{"codec"})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piecebuf_bytes_received_total",
		Help: "Total number of block payload bytes read from the wire",
	})

	// Sink latency
	SinkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "piecebuf_sink_latency_seconds",
		Help:    "Time spent handing a completed piece to the sink",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to 1s
	})

	// Store metrics
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piecebuf_store_errors_total",
		Help: "Total number of piece store write errors",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "piecebuf_store_circuit_breaker_state",
		Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Configuration reload metrics
	ConfigReloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piecebuf_config_reload_errors_total",
		Help: "Total number of rejected configuration reloads",
	})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// IncPieceError increments the piece error counter
func IncPieceError(errorType string) {
	PieceErrors.WithLabelValues(errorType).Inc()
}
