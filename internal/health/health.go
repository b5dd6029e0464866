// Package health serves a local liveness endpoint for one scanner daemon.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Snapshot is the health report body. Field values come from the daemon's
// snapshot function on every request.
type Snapshot struct {
	Status     string      `json:"status"` // ok, degraded
	GateID     string      `json:"gateId"`
	EventID    string      `json:"eventId"`
	Phase      string      `json:"phase"`
	UptimeS    int64       `json:"uptimeS"`
	Source     any         `json:"source,omitempty"`
	Session    any         `json:"session,omitempty"`
	Attendance any         `json:"attendance,omitempty"`
	MQTT       *MQTTStatus `json:"mqtt,omitempty"`
	At         time.Time   `json:"at"`
}

// MQTTStatus reports broker connectivity.
type MQTTStatus struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published,omitempty"`
	Errors    uint64            `json:"errors"`
}

// Server exposes GET /health.
type Server struct {
	addr     string
	snapshot func() Snapshot
	srv      *http.Server
}

// NewServer creates a health server. snapshot is called per request and
// must be safe for concurrent use.
func NewServer(addr string, snapshot func() Snapshot) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("health: listen address is required")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("health: snapshot function is required")
	}
	return &Server{addr: addr, snapshot: snapshot}, nil
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "addr", s.addr, "error", err)
		}
	}()

	slog.Info("health server listening", "addr", s.addr)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	snap.At = time.Now()

	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Warn("health encode failed", "error", err)
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
