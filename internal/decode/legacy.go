// Package decode turns raw queue payloads into models.SampleRun values.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/stationd/internal/models"
)

// ErrMalformed marks payloads that can never be decoded, however often they
// are redelivered.
var ErrMalformed = errors.New("malformed payload")

// LegacySampleRate is the fixed rate of first generation stations.
const LegacySampleRate = 40

var (
	nanToken  = []byte("nan,")
	nullToken = []byte("null,")
)

type legacyMessage struct {
	ClientID      string         `json:"clientID"`
	Accelerations []legacyVector `json:"accelerations"`
}

type legacyVector struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Legacy decodes the JSON payloads sent by first generation stations. Each
// message holds one second of readings and carries no timestamp, so the
// readings are attributed to the second before they were received.
type Legacy struct {
	// ZeroIsMissing treats a 0 reading as "no value", matching how these
	// stations have always been ingested.
	ZeroIsMissing bool
	Now           func() time.Time
}

func NewLegacy(zeroIsMissing bool) *Legacy {
	return &Legacy{ZeroIsMissing: zeroIsMissing, Now: time.Now}
}

// RewriteNaN replaces the bare nan tokens legacy firmware emits with null.
func RewriteNaN(body []byte) []byte {
	return bytes.ReplaceAll(body, nanToken, nullToken)
}

func (l *Legacy) Decode(body []byte) (models.SampleRun, error) {
	var msg legacyMessage
	if err := json.Unmarshal(RewriteNaN(body), &msg); err != nil {
		return models.SampleRun{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.ClientID == "" {
		return models.SampleRun{}, fmt.Errorf("%w: missing clientID", ErrMalformed)
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}

	n := len(msg.Accelerations)
	run := models.SampleRun{
		ExternalStationID: msg.ClientID,
		StartTime:         now().UTC().Add(-time.Second).Truncate(time.Second),
		SampleRate:        LegacySampleRate,
		SlotSamples:       n,
		X:                 make([]models.Sample, n),
		Y:                 make([]models.Sample, n),
		Z:                 make([]models.Sample, n),
	}
	for i, v := range msg.Accelerations {
		run.X[i] = l.sample(v.X)
		run.Y[i] = l.sample(v.Y)
		run.Z[i] = l.sample(v.Z)
	}
	return run, nil
}

func (l *Legacy) sample(v *float64) models.Sample {
	if v == nil || (l.ZeroIsMissing && *v == 0) {
		return models.Sample{}
	}
	return models.Value(*v)
}
