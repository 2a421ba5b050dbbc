package models

import (
	"bytes"
	"math"
	"strconv"
	"time"
)

// SecondsPerHour is the number of one-second slots in an hourly document.
const SecondsPerHour = 3600

type StationKind string

const (
	StationKindFixed      StationKind = "L" // first generation, legacy JSON
	StationKindStationary StationKind = "S"
	StationKindMobile     StationKind = "M"
)

type StationState string

const (
	StationStateAlert      StationState = "A"
	StationStateReady      StationState = "R"
	StationStateEco        StationState = "E"
	StationStateHighRate   StationState = "H"
	StationStateNormalRate StationState = "N"
	StationStateLost       StationState = "L"
)

type Station struct {
	ID             string
	Kind           StationKind
	ExternalID     string
	Name           string
	State          StationState
	StateChangedAt time.Time
}

// Sample is a single accelerometer reading. An invalid sample means the
// sensor reported no value and is stored as null.
type Sample struct {
	Value float64
	Valid bool
}

func Value(v float64) Sample { return Sample{Value: v, Valid: true} }

var null = []byte("null")

func (s Sample) MarshalJSON() ([]byte, error) {
	if !s.Valid || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return null, nil
	}
	return strconv.AppendFloat(nil, s.Value, 'g', -1, 64), nil
}

func (s *Sample) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, null) {
		*s = Sample{}
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*s = Value(v)
	return nil
}

// SampleRun is a decoded delivery: raw sensor channels as the station sent them.
type SampleRun struct {
	ExternalStationID string
	StartTime         time.Time
	SampleRate        int
	SlotSamples       int // samples per one-second slot; 0 means SampleRate
	X                 []Sample
	Y                 []Sample
	Z                 []Sample
}

// AxisRun is a SampleRun remapped to vertical/north/east axes.
type AxisRun struct {
	StartTime   time.Time
	SampleRate  int
	SlotSamples int
	Vertical    []Sample
	North       []Sample
	East        []Sample
}

// SlotWidth returns how many samples make up one second's slot.
func (r AxisRun) SlotWidth() int {
	if r.SlotSamples > 0 {
		return r.SlotSamples
	}
	return r.SampleRate
}

// SlotUpdate carries one second of samples per axis.
type SlotUpdate struct {
	Second   int
	Vertical []Sample
	North    []Sample
	East     []Sample
}

// HourBucketUpdate is the set of slots a run contributes to a single hourly document.
type HourBucketUpdate struct {
	StationID  string
	HourKey    string
	SampleRate int
	Slots      []SlotUpdate
}

// HourlyAccelDocument is the persisted hour of readings for one station.
// A nil slot is unset.
type HourlyAccelDocument struct {
	ID         string
	HourKey    string
	StationID  string
	SampleRate int
	Vertical   [][]Sample
	North      [][]Sample
	East       [][]Sample
	CreatedAt  time.Time
}
