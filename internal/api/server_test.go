package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lox/stationd/internal/api"
	"github.com/lox/stationd/internal/metrics"
	"github.com/lox/stationd/internal/queue"
	"github.com/lox/stationd/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

type fixedState queue.State

func (f fixedState) State() queue.State { return queue.State(f) }

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("disk I/O error") }

func getHealth(t *testing.T, srv *api.Server) (int, api.HealthStatus) {
	t.Helper()
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v (%s)", err, w.Body.String())
	}
	return w.Code, health
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	if _, err := s.StoreRawPayload(context.Background(), "ecn_mobile_stream", "decode", []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(s, fixedState(queue.StateSubscribed), s, ":0")

	code, health := getHealth(t, srv)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "ok" || health.Consumer != "subscribed" {
		t.Errorf("health = %+v", health)
	}
	if health.Quarantined != 1 {
		t.Errorf("Quarantined = %d, want 1", health.Quarantined)
	}
}

func TestHealthEndpoint_Reconnecting(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	srv := api.NewServer(s, fixedState(queue.StateConnecting), nil, ":0")

	code, health := getHealth(t, srv)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "degraded" || health.Consumer != "connecting" {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthEndpoint_DatabaseDown(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(downDB{}, fixedState(queue.StateSubscribed), nil, ":0")

	code, health := getHealth(t, srv)
	if code != 503 {
		t.Fatalf("expected 503, got %d", code)
	}
	if health.Status != "error" || len(health.Errors) != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	metrics.MessagesTotal.WithLabelValues("ecn_stationary_v1", metrics.OutcomeAcked).Inc()
	srv := api.NewServer(downDB{}, fixedState(queue.StateSubscribed), nil, ":0")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stationd_messages_total") {
		t.Error("expected stationd_messages_total in metrics output")
	}
}
