package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/stationd/internal/bucket"
	"github.com/lox/stationd/internal/models"
)

// mergeChunk bounds the slots set per UPDATE to stay well under SQLite's
// bound parameter limit.
const mergeChunk = 256

var emptyHour = "[" + strings.Repeat("null,", models.SecondsPerHour-1) + "null]"

// EnsureHour creates the hourly document for u if it does not exist yet, with
// every slot unset. An existing document is left untouched. Losing an insert
// race to another writer is not an error.
func (s *Store) EnsureHour(ctx context.Context, u models.HourBucketUpdate) (bool, error) {
	id := bucket.DocumentID(u.HourKey, u.StationID)

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accel WHERE id = ?`, id).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("find accel %s: %w", id, err)
	}

	s.log.Debug("inserting accel document", "id", id, "sample_rate", u.SampleRate)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accel (id, hour_key, station_id, sample_rate, z, n, e, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, u.HourKey, u.StationID, u.SampleRate, emptyHour, emptyHour, emptyHour, time.Now().UTC())
	if isDuplicateKey(err) {
		s.log.Debug("accel document created concurrently", "id", id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert accel %s: %w", id, err)
	}
	return true, nil
}

// MergeHour sets each slot of u on all three axes. Only the listed slots are
// written; every statement is applied atomically to the document.
func (s *Store) MergeHour(ctx context.Context, u models.HourBucketUpdate) (int, error) {
	id := bucket.DocumentID(u.HourKey, u.StationID)

	written := 0
	for start := 0; start < len(u.Slots); start += mergeChunk {
		chunk := u.Slots[start:min(start+mergeChunk, len(u.Slots))]
		query, args, err := mergeStatement(id, chunk)
		if err != nil {
			return written, err
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return written, fmt.Errorf("merge accel %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, fmt.Errorf("%w: %s", ErrDocumentMissing, id)
		}
		written += len(chunk)
	}
	return written, nil
}

func mergeStatement(id string, slots []models.SlotUpdate) (string, []any, error) {
	var (
		z, n, e             strings.Builder
		zArgs, nArgs, eArgs []any
	)
	z.WriteString("json_set(z")
	n.WriteString("json_set(n")
	e.WriteString("json_set(e")

	for _, slot := range slots {
		if slot.Second < 0 || slot.Second >= models.SecondsPerHour {
			return "", nil, fmt.Errorf("slot %d outside hour", slot.Second)
		}
		path := fmt.Sprintf(", '$[%d]', json(?)", slot.Second)

		for _, ax := range []struct {
			b       *strings.Builder
			args    *[]any
			samples []models.Sample
		}{{&z, &zArgs, slot.Vertical}, {&n, &nArgs, slot.North}, {&e, &eArgs, slot.East}} {
			raw, err := json.Marshal(nonNil(ax.samples))
			if err != nil {
				return "", nil, fmt.Errorf("encode slot %d: %w", slot.Second, err)
			}
			ax.b.WriteString(path)
			*ax.args = append(*ax.args, string(raw))
		}
	}
	z.WriteString(")")
	n.WriteString(")")
	e.WriteString(")")

	query := "UPDATE accel SET z = " + z.String() + ", n = " + n.String() + ", e = " + e.String() + " WHERE id = ?"
	args := make([]any, 0, len(zArgs)*3+1)
	args = append(args, zArgs...)
	args = append(args, nArgs...)
	args = append(args, eArgs...)
	args = append(args, id)
	return query, args, nil
}

// nonNil keeps an empty slot distinguishable from an unset one.
func nonNil(s []models.Sample) []models.Sample {
	if s == nil {
		return []models.Sample{}
	}
	return s
}

// GetHour loads an hourly document by id. It returns nil if there is none.
func (s *Store) GetHour(ctx context.Context, id string) (*models.HourlyAccelDocument, error) {
	var (
		doc     models.HourlyAccelDocument
		z, n, e string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hour_key, station_id, sample_rate, z, n, e, created_at
		FROM accel WHERE id = ?
	`, id).Scan(&doc.ID, &doc.HourKey, &doc.StationID, &doc.SampleRate, &z, &n, &e, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get accel %s: %w", id, err)
	}

	for _, ax := range []struct {
		raw string
		dst *[][]models.Sample
	}{{z, &doc.Vertical}, {n, &doc.North}, {e, &doc.East}} {
		if err := json.Unmarshal([]byte(ax.raw), ax.dst); err != nil {
			return nil, fmt.Errorf("decode accel %s: %w", id, err)
		}
	}
	return &doc, nil
}
