package decode

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lox/stationd/internal/models"
)

// MobileStream field numbers. Producers already in the field depend on these.
const (
	fieldStationID  protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldSampleRate protowire.Number = 3
	fieldX          protowire.Number = 4
	fieldY          protowire.Number = 5
	fieldZ          protowire.Number = 6
)

// StreamMessage is the MobileStream message as it travels on the wire.
type StreamMessage struct {
	StationID  string
	Timestamp  int64 // epoch milliseconds
	SampleRate uint32
	X, Y, Z    []float32
}

// Stream decodes the compact multi-second runs sent by stationary v2 and
// mobile stations.
type Stream struct{}

func NewStream() *Stream { return &Stream{} }

func (Stream) Decode(body []byte) (models.SampleRun, error) {
	msg, err := UnmarshalStream(body)
	if err != nil {
		return models.SampleRun{}, err
	}
	if msg.StationID == "" {
		return models.SampleRun{}, fmt.Errorf("%w: missing station_id", ErrMalformed)
	}
	if msg.SampleRate == 0 {
		return models.SampleRun{}, fmt.Errorf("%w: sample_rate must be positive", ErrMalformed)
	}
	if len(msg.X) != len(msg.Y) || len(msg.X) != len(msg.Z) {
		return models.SampleRun{}, fmt.Errorf("%w: channel lengths differ (x=%d y=%d z=%d)",
			ErrMalformed, len(msg.X), len(msg.Y), len(msg.Z))
	}

	return models.SampleRun{
		ExternalStationID: msg.StationID,
		StartTime:         time.UnixMilli(msg.Timestamp).UTC(),
		SampleRate:        int(msg.SampleRate),
		X:                 floatSamples(msg.X),
		Y:                 floatSamples(msg.Y),
		Z:                 floatSamples(msg.Z),
	}, nil
}

func floatSamples(in []float32) []models.Sample {
	out := make([]models.Sample, len(in))
	for i, v := range in {
		if math.IsNaN(float64(v)) {
			continue
		}
		out[i] = models.Value(float64(v))
	}
	return out
}

// UnmarshalStream parses the MobileStream wire format. Unknown fields are skipped.
func UnmarshalStream(b []byte) (StreamMessage, error) {
	var msg StreamMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldStationID && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			msg.StationID = v
		case num == fieldTimestamp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			msg.Timestamp = int64(v)
		case num == fieldSampleRate && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint32 {
				return msg, fmt.Errorf("%w: sample_rate %d out of range", ErrMalformed, v)
			}
			msg.SampleRate = uint32(v)
		case num == fieldX || num == fieldY || num == fieldZ:
			dst := msg.channel(num)
			*dst, n = consumeFloats(*dst, typ, b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return msg, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return msg, nil
}

func (m *StreamMessage) channel(num protowire.Number) *[]float32 {
	switch num {
	case fieldX:
		return &m.X
	case fieldY:
		return &m.Y
	default:
		return &m.Z
	}
}

// consumeFloats reads a repeated float field in either packed or unpacked form.
func consumeFloats(dst []float32, typ protowire.Type, b []byte) ([]float32, int) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, n
		}
		return append(dst, math.Float32frombits(v)), n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n
		}
		if len(packed)%4 != 0 {
			return dst, -1
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return dst, m
			}
			dst = append(dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return dst, n
	default:
		return dst, -1
	}
}

// AppendStream encodes msg in the MobileStream wire format, channels packed.
func AppendStream(b []byte, msg StreamMessage) []byte {
	if msg.StationID != "" {
		b = protowire.AppendTag(b, fieldStationID, protowire.BytesType)
		b = protowire.AppendString(b, msg.StationID)
	}
	if msg.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Timestamp))
	}
	if msg.SampleRate != 0 {
		b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.SampleRate))
	}
	for _, ch := range []struct {
		num    protowire.Number
		values []float32
	}{{fieldX, msg.X}, {fieldY, msg.Y}, {fieldZ, msg.Z}} {
		if len(ch.values) == 0 {
			continue
		}
		b = protowire.AppendTag(b, ch.num, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(4*len(ch.values)))
		for _, v := range ch.values {
			b = protowire.AppendFixed32(b, math.Float32bits(v))
		}
	}
	return b
}
