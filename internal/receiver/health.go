package receiver

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SkynetNext/piecebuf/internal/logger"
	"github.com/SkynetNext/piecebuf/internal/protocol"
)

// Handler returns the health, readiness, metrics and pool stats endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/debug/pool", s.statsHandler)
	mux.Handle("/metrics", promhttp.Handler()) // Prometheus metrics endpoint
	return mux
}

// startHealthServer starts the health and metrics server
func (s *Server) startHealthServer(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	s.healthServer = &http.Server{Handler: s.Handler()}
	s.healthDone = make(chan struct{})

	go func() {
		defer close(s.healthDone)
		if err := s.healthServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L.Error("health server error",
				zap.Error(err),
			)
		}
	}()

	logger.L.Info("health server started",
		zap.Int("port", port),
	)
	return nil
}

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness check requests
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// statsHandler reports receiver and pool stats as JSON
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		logger.L.Debug("failed to write stats", zap.Error(err))
	}
}

// handleHTTPConnection answers a plain HTTP request that arrived on the piece
// port. Only GET /stats is served; the connection is closed afterwards.
func (s *Server) handleHTTPConnection(conn *protocol.SniffConn) error {
	req, err := http.ReadRequest(conn.Reader())
	if err != nil {
		_ = s.writeHTTPResponse(conn, http.StatusBadRequest, "text/plain; charset=utf-8", []byte("Malformed HTTP request\n"))
		return fmt.Errorf("malformed http request: %w", err)
	}
	defer req.Body.Close()

	if req.URL.Path != "/stats" {
		return s.writeHTTPResponse(conn, http.StatusNotFound, "text/plain; charset=utf-8",
			[]byte("Piece port only serves /stats\n"))
	}

	body, err := json.Marshal(s.Stats())
	if err != nil {
		return err
	}
	return s.writeHTTPResponse(conn, http.StatusOK, "application/json", body)
}

// writeHTTPResponse writes a complete HTTP/1.1 response, assembled in a
// pooled buffer so it goes out in a single write
func (s *Server) writeHTTPResponse(w io.Writer, status int, contentType string, body []byte) error {
	resp := s.pool.Acquire()
	defer resp.Release()

	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(resp, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(resp, "Content-Length: %d\r\n", len(body))
	if contentType != "" {
		fmt.Fprintf(resp, "Content-Type: %s\r\n", strings.TrimSpace(contentType))
	}
	resp.Append([]byte("Connection: close\r\n\r\n"))
	resp.Append(body)
	_, err := w.Write(resp.Bytes())
	return err
}
