// Package api serves the daemon's operational endpoints: health and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/stationd/internal/logging"
	"github.com/lox/stationd/internal/queue"
	"github.com/lox/stationd/internal/store"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ConsumerStater interface {
	State() queue.State
}

type QuarantineStats interface {
	GetRawPayloadStats(ctx context.Context) (*store.RawPayloadStats, error)
}

type Server struct {
	db         Pinger
	consumer   ConsumerStater
	quarantine QuarantineStats // optional
	addr       string
	log        *slog.Logger
}

func NewServer(db Pinger, consumer ConsumerStater, quarantine QuarantineStats, addr string) *Server {
	return &Server{
		db:         db,
		consumer:   consumer,
		quarantine: quarantine,
		addr:       addr,
		log:        logging.Component("api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("serving", "addr", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status      string   `json:"status"`
	Consumer    string   `json:"consumer"`
	Quarantined int      `json:"quarantined"`
	Errors      []string `json:"errors,omitempty"`
}

// handleHealth reports "ok" when subscribed, "degraded" while the consumer
// is reconnecting and "error" when the database is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthStatus{
		Status:   "ok",
		Consumer: s.consumer.State().String(),
	}
	if s.consumer.State() != queue.StateSubscribed {
		health.Status = "degraded"
	}

	if err := s.db.Ping(ctx); err != nil {
		health.Status = "error"
		health.Errors = append(health.Errors, "database: "+err.Error())
	} else if s.quarantine != nil {
		stats, err := s.quarantine.GetRawPayloadStats(ctx)
		if err != nil {
			health.Errors = append(health.Errors, "quarantine: "+err.Error())
		} else {
			health.Quarantined = stats.TotalCount
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
