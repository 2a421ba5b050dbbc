package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// RawPayload is a quarantined delivery that could not be ingested.
type RawPayload struct {
	ID                int64
	ReceivedAt        time.Time
	Stream            string
	Reason            string
	PayloadCompressed []byte
	PayloadSize       int
	PayloadHash       string
}

var (
	payloadEncoder, _ = zstd.NewWriter(nil)
	payloadDecoder, _ = zstd.NewReader(nil)
)

// PayloadHash returns the hex content hash used to deduplicate payloads.
func PayloadHash(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// StoreRawPayload keeps a compressed copy of an undeliverable payload.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, stream, reason string, payload []byte) (int64, error) {
	compressed := payloadEncoder.EncodeAll(payload, nil)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(received_at, stream, reason, payload_compressed, payload_size, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, time.Now().UTC(), stream, reason, compressed, len(payload), PayloadHash(payload))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	payload, err := payloadDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload %d: %w", id, err)
	}
	return payload, nil
}

// RawPayloadStats contains storage statistics for quarantined payloads.
type RawPayloadStats struct {
	TotalCount       int
	TotalSizeBytes   int64
	OldestReceivedAt time.Time
	NewestReceivedAt time.Time
	CountByStream    map[string]int
	SizeByStream     map[string]int64
}

func (s *Store) GetRawPayloadStats(ctx context.Context) (*RawPayloadStats, error) {
	stats := &RawPayloadStats{
		CountByStream: make(map[string]int),
		SizeByStream:  make(map[string]int64),
	}

	var oldest, newest sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_compressed)), 0),
		       MIN(received_at), MAX(received_at)
		FROM raw_payloads
	`)
	if err := row.Scan(&stats.TotalCount, &stats.TotalSizeBytes, &oldest, &newest); err != nil {
		return nil, err
	}
	stats.OldestReceivedAt = parseStoredTime(oldest)
	stats.NewestReceivedAt = parseStoredTime(newest)

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream, COUNT(*), SUM(LENGTH(payload_compressed))
		FROM raw_payloads
		GROUP BY stream
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var stream string
		var count int
		var size int64
		if err := rows.Scan(&stream, &count, &size); err != nil {
			return nil, err
		}
		stats.CountByStream[stream] = count
		stats.SizeByStream[stream] = size
	}

	return stats, rows.Err()
}

// MIN/MAX lose the column's DATETIME affinity, so the driver hands back text.
func parseStoredTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		time.DateTime,
	} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t
		}
	}
	return time.Time{}
}
