package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/stationd/internal/models"
)

// UpsertStation registers or updates a station. Stations are provisioned
// elsewhere; this exists for seeding and tests.
func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	state := st.State
	if state == "" {
		state = models.StationStateReady
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (id, kind, external_id, name, state, state_changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			external_id = excluded.external_id,
			name = excluded.name
	`, st.ID, string(st.Kind), st.ExternalID, st.Name, string(state), nullTime(st.StateChangedAt))
	return err
}

// ResolveStation maps a station's external identifier to its internal id.
func (s *Store) ResolveStation(ctx context.Context, kind models.StationKind, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM stations WHERE kind = ? AND external_id = ?`,
		string(kind), externalID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: kind=%s external_id=%s", ErrStationNotFound, kind, externalID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve station %s: %w", externalID, err)
	}
	return id, nil
}

func (s *Store) GetStation(ctx context.Context, id string) (*models.Station, error) {
	var (
		st        models.Station
		kind      string
		state     string
		name      sql.NullString
		changedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, external_id, name, state, state_changed_at
		FROM stations WHERE id = ?
	`, id).Scan(&st.ID, &kind, &st.ExternalID, &name, &state, &changedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Kind = models.StationKind(kind)
	st.State = models.StationState(state)
	st.Name = name.String
	if changedAt.Valid {
		st.StateChangedAt = changedAt.Time
	}
	return &st, nil
}

// MarkHighRate records that the station is actively streaming. It never
// creates a station.
func (s *Store) MarkHighRate(ctx context.Context, stationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stations SET state = ?, state_changed_at = ? WHERE id = ?`,
		string(models.StationStateHighRate), at.UTC(), stationID,
	)
	if err != nil {
		return fmt.Errorf("mark station %s high rate: %w", stationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%s", ErrStationNotFound, stationID)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
