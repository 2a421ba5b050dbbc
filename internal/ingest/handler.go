// Package ingest wires decoding, axis mapping, bucketing and storage into the
// handler bound to each queue stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/stationd/internal/bucket"
	"github.com/lox/stationd/internal/decode"
	"github.com/lox/stationd/internal/logging"
	"github.com/lox/stationd/internal/metrics"
	"github.com/lox/stationd/internal/models"
	"github.com/lox/stationd/internal/store"
)

type Decoder interface {
	Decode(body []byte) (models.SampleRun, error)
}

type Mapper interface {
	Map(run models.SampleRun) models.AxisRun
}

// Quarantine keeps payloads that can never be ingested.
type Quarantine interface {
	StoreRawPayload(ctx context.Context, stream, reason string, payload []byte) (int64, error)
}

type HandlerConfig struct {
	Stream     string
	Kinds      []models.StationKind // tried in order when resolving the station
	Decoder    Decoder
	Mapper     Mapper
	Stations   StationStore
	Writer     *Writer
	Quarantine Quarantine // optional
}

// Handler runs one delivery through decode, resolve, map, bucket and store.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg: cfg,
		log: logging.Component("ingest").With("stream", cfg.Stream),
	}
}

func (h *Handler) Stream() string { return h.cfg.Stream }

// Handle returns nil when the delivery is stored, a backoff.Permanent error
// when it can never be stored, and any other error when it should be retried.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	run, err := h.cfg.Decoder.Decode(body)
	if err != nil {
		h.quarantine(ctx, "decode", body)
		return backoff.Permanent(fmt.Errorf("decode: %w", err))
	}

	stationID, err := h.resolve(ctx, run.ExternalStationID)
	if errors.Is(err, store.ErrStationNotFound) {
		h.quarantine(ctx, "unknown station", body)
		return backoff.Permanent(fmt.Errorf("unknown station %s: %w", run.ExternalStationID, err))
	}
	if err != nil {
		return err
	}

	axes := h.cfg.Mapper.Map(run)
	updates := bucket.Split(stationID, axes)
	if len(updates) > 0 {
		first := updates[0]
		h.log.Debug("accel update",
			"id", bucket.DocumentID(first.HourKey, stationID),
			"second", first.Slots[0].Second,
			"hours", len(updates),
		)
	}

	res, err := h.cfg.Writer.Write(ctx, stationID, updates)
	if errors.Is(err, store.ErrStationNotFound) {
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}

	metrics.SlotsWritten.WithLabelValues(h.cfg.Stream).Add(float64(res.Slots))
	metrics.SamplesIngested.WithLabelValues(h.cfg.Stream).Add(float64(res.Samples))
	return nil
}

func (h *Handler) resolve(ctx context.Context, externalID string) (string, error) {
	for _, kind := range h.cfg.Kinds {
		id, err := h.cfg.Stations.ResolveStation(ctx, kind, externalID)
		if errors.Is(err, store.ErrStationNotFound) {
			continue
		}
		return id, err
	}
	return "", fmt.Errorf("%w: kinds=%v external_id=%s", store.ErrStationNotFound, h.cfg.Kinds, externalID)
}

func (h *Handler) quarantine(ctx context.Context, reason string, body []byte) {
	if h.cfg.Quarantine == nil {
		return
	}
	if _, err := h.cfg.Quarantine.StoreRawPayload(ctx, h.cfg.Stream, reason, body); err != nil {
		h.log.Warn("quarantine payload failed", "reason", reason, "error", err)
		return
	}
	metrics.PayloadsQuarantined.WithLabelValues(h.cfg.Stream).Inc()
}

// Compile-time checks that the concrete pieces fit the chain.
var (
	_ Decoder    = (*decode.Legacy)(nil)
	_ Decoder    = (*decode.Stream)(nil)
	_ HourStore  = (*store.Store)(nil)
	_ Quarantine = (*store.Store)(nil)
)
