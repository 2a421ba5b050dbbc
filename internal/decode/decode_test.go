package decode

import (
	"errors"
	"math"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lox/stationd/internal/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRewriteNaN(t *testing.T) {
	in := []byte(`{"clientID":"ECN-4","accelerations":[{"x":1,"y":nan,"z":2}]}`)
	want := `{"clientID":"ECN-4","accelerations":[{"x":1,"y":null,"z":2}]}`
	if got := string(RewriteNaN(in)); got != want {
		t.Errorf("RewriteNaN = %s, want %s", got, want)
	}
}

func TestLegacyDecode_NaNBecomesNoValue(t *testing.T) {
	received := time.Date(2024, 1, 1, 10, 0, 0, 250_000_000, time.UTC)
	dec := &Legacy{ZeroIsMissing: true, Now: fixedClock(received)}

	run, err := dec.Decode([]byte(`{"clientID":"ECN-4","accelerations":[{"x":1,"y":nan,"z":2}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if run.ExternalStationID != "ECN-4" {
		t.Errorf("ExternalStationID = %q, want ECN-4", run.ExternalStationID)
	}
	if len(run.X) != 1 || len(run.Y) != 1 || len(run.Z) != 1 {
		t.Fatalf("channel lengths = %d/%d/%d, want 1/1/1", len(run.X), len(run.Y), len(run.Z))
	}
	if run.Y[0].Valid {
		t.Errorf("Y[0] = %v, want no value", run.Y[0])
	}
	if run.X[0] != models.Value(1) || run.Z[0] != models.Value(2) {
		t.Errorf("X/Z = %v/%v, want 1/2", run.X[0], run.Z[0])
	}
	wantStart := time.Date(2024, 1, 1, 9, 59, 59, 0, time.UTC)
	if !run.StartTime.Equal(wantStart) {
		t.Errorf("StartTime = %v, want %v", run.StartTime, wantStart)
	}
	if run.SampleRate != LegacySampleRate || run.SlotSamples != 1 {
		t.Errorf("SampleRate/SlotSamples = %d/%d, want %d/1", run.SampleRate, run.SlotSamples, LegacySampleRate)
	}
}

func TestLegacyDecode_ZeroHandling(t *testing.T) {
	body := []byte(`{"clientID":"ECN-1","accelerations":[{"x":0,"y":0.5,"z":-1}]}`)

	tests := []struct {
		name          string
		zeroIsMissing bool
		wantX         models.Sample
	}{
		{"zero is missing", true, models.Sample{}},
		{"zero is a reading", false, models.Value(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := (&Legacy{ZeroIsMissing: tt.zeroIsMissing}).Decode(body)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if run.X[0] != tt.wantX {
				t.Errorf("X[0] = %v, want %v", run.X[0], tt.wantX)
			}
			if run.Y[0] != models.Value(0.5) {
				t.Errorf("Y[0] = %v, want 0.5", run.Y[0])
			}
		})
	}
}

func TestLegacyDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"truncated", `{"clientID":"ECN-4","accelerations":[{"x":1`},
		{"nan before brace is not rewritten", `{"clientID":"ECN-4","accelerations":[{"x":1,"y":2,"z":nan}]}`},
		{"missing client", `{"accelerations":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLegacy(true).Decode([]byte(tt.body))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestLegacyDecode_MissingComponent(t *testing.T) {
	run, err := NewLegacy(true).Decode([]byte(`{"clientID":"ECN-2","accelerations":[{"x":1.5},{"x":2,"y":3,"z":4}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if run.SlotSamples != 2 {
		t.Errorf("SlotSamples = %d, want 2", run.SlotSamples)
	}
	if run.Y[0].Valid || run.Z[0].Valid {
		t.Errorf("missing components decoded as %v/%v, want no value", run.Y[0], run.Z[0])
	}
}

func TestStreamDecode(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 59, 59, 0, time.UTC)
	body := AppendStream(nil, StreamMessage{
		StationID:  "MOB-7",
		Timestamp:  start.UnixMilli(),
		SampleRate: 2,
		X:          []float32{1, 2, 3, 4},
		Y:          []float32{0, float32(math.NaN()), 0.5, 1.5},
		Z:          []float32{9, 9.5, 10, 10.5},
	})

	run, err := NewStream().Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if run.ExternalStationID != "MOB-7" {
		t.Errorf("ExternalStationID = %q", run.ExternalStationID)
	}
	if !run.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", run.StartTime, start)
	}
	if run.SampleRate != 2 || run.SlotSamples != 0 {
		t.Errorf("SampleRate/SlotSamples = %d/%d, want 2/0", run.SampleRate, run.SlotSamples)
	}
	if len(run.X) != 4 || run.X[3] != models.Value(4) {
		t.Errorf("X = %v", run.X)
	}
	if run.Y[0] != models.Value(0) {
		t.Errorf("Y[0] = %v, want a zero reading", run.Y[0])
	}
	if run.Y[1].Valid {
		t.Errorf("Y[1] = %v, want no value for NaN", run.Y[1])
	}
}

func TestStreamDecode_UnpackedAndUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, fieldStationID, protowire.BytesType)
	b = protowire.AppendString(b, "STA-1")
	b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	for _, num := range []protowire.Number{fieldX, fieldY, fieldZ} {
		b = protowire.AppendTag(b, num, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(1.25))
	}

	run, err := NewStream().Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if run.ExternalStationID != "STA-1" || len(run.Z) != 1 || run.Z[0] != models.Value(1.25) {
		t.Errorf("run = %+v", run)
	}
	if !run.StartTime.Equal(time.UnixMilli(0).UTC()) {
		t.Errorf("StartTime = %v, want epoch", run.StartTime)
	}
}

func TestStreamDecode_Malformed(t *testing.T) {
	valid := StreamMessage{StationID: "S", Timestamp: 1, SampleRate: 1, X: []float32{1}, Y: []float32{1}, Z: []float32{1}}
	full := AppendStream(nil, valid)

	tests := []struct {
		name string
		body []byte
	}{
		{"truncated", full[:len(full)-2]},
		{"garbage tag", []byte{0xff, 0xff, 0xff}},
		{"missing station", AppendStream(nil, StreamMessage{SampleRate: 1})},
		{"zero rate", AppendStream(nil, StreamMessage{StationID: "S"})},
		{"unequal channels", AppendStream(nil, StreamMessage{StationID: "S", SampleRate: 1, X: []float32{1, 2}, Y: []float32{1}, Z: []float32{1}})},
		{"rate overflows uint32", oversizedRate()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStream().Decode(tt.body); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

// oversizedRate encodes a sample rate of 2^32+40, which must not wrap to 40.
func oversizedRate() []byte {
	b := protowire.AppendTag(nil, fieldStationID, protowire.BytesType)
	b = protowire.AppendString(b, "S")
	b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<32+40)
	return AppendStream(b, StreamMessage{X: []float32{1}, Y: []float32{1}, Z: []float32{1}})
}
