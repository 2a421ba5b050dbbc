package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/stationd/internal/logging"
	"github.com/lox/stationd/internal/metrics"
	"github.com/lox/stationd/internal/models"
)

type HourStore interface {
	EnsureHour(ctx context.Context, u models.HourBucketUpdate) (bool, error)
	MergeHour(ctx context.Context, u models.HourBucketUpdate) (int, error)
}

type StationStore interface {
	ResolveStation(ctx context.Context, kind models.StationKind, externalID string) (string, error)
	MarkHighRate(ctx context.Context, stationID string, at time.Time) error
}

// WriteResult summarises what a Write changed.
type WriteResult struct {
	Documents int // hourly documents created
	Slots     int
	Samples   int // per axis
}

// Writer applies bucket updates with the ensure-then-merge pattern.
type Writer struct {
	hours    HourStore
	stations StationStore
	now      func() time.Time
	log      *slog.Logger
}

func NewWriter(hours HourStore, stations StationStore) *Writer {
	return &Writer{
		hours:    hours,
		stations: stations,
		now:      time.Now,
		log:      logging.Component("writer"),
	}
}

// Write makes sure each update's hourly document exists, sets its slots, and
// then marks the station as streaming at high rate. The station is marked
// even when there are no updates. Any error is worth retrying unless it wraps
// a permanent cause.
func (w *Writer) Write(ctx context.Context, stationID string, updates []models.HourBucketUpdate) (WriteResult, error) {
	var res WriteResult
	for _, u := range updates {
		created, err := w.hours.EnsureHour(ctx, u)
		if err != nil {
			return res, fmt.Errorf("ensure hour %s: %w", u.HourKey, err)
		}
		if created {
			res.Documents++
			metrics.DocumentsCreated.Inc()
		}

		n, err := w.hours.MergeHour(ctx, u)
		res.Slots += n
		if err != nil {
			return res, fmt.Errorf("merge hour %s: %w", u.HourKey, err)
		}
		for _, s := range u.Slots {
			res.Samples += len(s.Vertical)
		}
		w.log.Debug("merged hour", "station", stationID, "hour", u.HourKey, "slots", n)
	}

	if err := w.stations.MarkHighRate(ctx, stationID, w.now()); err != nil {
		return res, err
	}
	return res, nil
}
