// Package bucket splits sample runs into per-hour slot updates.
package bucket

import (
	"time"

	"github.com/lox/stationd/internal/models"
)

const hourKeyLayout = "2006010215"

// HourKey formats the UTC hour containing t as YYYYMMDDHH.
func HourKey(t time.Time) string {
	return t.UTC().Format(hourKeyLayout)
}

// SecondOfHour returns the slot index (0..3599) of t within its UTC hour.
func SecondOfHour(t time.Time) int {
	t = t.UTC()
	return t.Minute()*60 + t.Second()
}

// DocumentID is the key of the hourly document for a station.
func DocumentID(hourKey, stationID string) string {
	return hourKey + ":" + stationID
}

// Split walks the run one second at a time and groups the slices by hour.
// Each returned update touches exactly one hour, updates are in time order,
// and concatenating their slots reproduces the run. A final partial second
// still gets its own slot.
func Split(stationID string, run models.AxisRun) []models.HourBucketUpdate {
	width := run.SlotWidth()
	total := len(run.Vertical)
	if width <= 0 || total == 0 {
		return nil
	}

	var (
		out     []models.HourBucketUpdate
		current *models.HourBucketUpdate
		cursor  = run.StartTime.UTC()
	)
	for pos := 0; pos < total; pos += width {
		end := min(pos+width, total)

		key := HourKey(cursor)
		if current == nil || current.HourKey != key {
			if current != nil {
				out = append(out, *current)
			}
			current = &models.HourBucketUpdate{
				StationID:  stationID,
				HourKey:    key,
				SampleRate: run.SampleRate,
			}
		}
		current.Slots = append(current.Slots, models.SlotUpdate{
			Second:   SecondOfHour(cursor),
			Vertical: run.Vertical[pos:end:end],
			North:    run.North[pos:end:end],
			East:     run.East[pos:end:end],
		})

		cursor = cursor.Add(time.Second)
	}
	if current != nil && len(current.Slots) > 0 {
		out = append(out, *current)
	}
	return out
}
