// Package axis converts raw sensor channels into vertical/north/east axes.
//
// Each station variant mounts its sensor differently, so the conversion is a
// table keyed by the station's external identifier with a fallback rule for
// everything else. Adding a variant means adding a table entry.
package axis

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lox/stationd/internal/models"
)

// Gravity is the local gravitational acceleration (m/s²) at the reference site.
const Gravity = 9.77876

type Channel int

const (
	ChannelX Channel = iota
	ChannelY
	ChannelZ
)

func (c Channel) String() string {
	switch c {
	case ChannelX:
		return "x"
	case ChannelY:
		return "y"
	case ChannelZ:
		return "z"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(s) {
	case "x":
		return ChannelX, nil
	case "y":
		return ChannelY, nil
	case "z":
		return ChannelZ, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", s)
	}
}

// Transform derives one axis as Scale*source + Offset.
type Transform struct {
	Source Channel
	Scale  float64
	Offset float64
}

func (t Transform) apply(in models.Sample) models.Sample {
	if !in.Valid {
		return models.Sample{}
	}
	return models.Value(t.Scale*in.Value + t.Offset)
}

type Rule struct {
	Vertical Transform
	North    Transform
	East     Transform
}

// StandardRule: vertical points down the z channel, so it is negated and
// gravity is added back.
var StandardRule = Rule{
	Vertical: Transform{Source: ChannelZ, Scale: -1, Offset: Gravity},
	North:    Transform{Source: ChannelX, Scale: 1},
	East:     Transform{Source: ChannelY, Scale: 1},
}

// ECN4Rule: ECN-4 has its sensor mounted on its side.
var ECN4Rule = Rule{
	Vertical: Transform{Source: ChannelY, Scale: 1, Offset: 6.598601},
	North:    Transform{Source: ChannelX, Scale: 1},
	East:     Transform{Source: ChannelZ, Scale: 1},
}

type Table struct {
	fallback Rule
	rules    map[string]Rule
}

func NewTable(fallback Rule) *Table {
	return &Table{fallback: fallback, rules: make(map[string]Rule)}
}

// DefaultTable returns the rules for the stations currently deployed.
func DefaultTable() *Table {
	t := NewTable(StandardRule)
	t.Set("ECN-4", ECN4Rule)
	return t
}

func (t *Table) Set(externalID string, r Rule) {
	t.rules[externalID] = r
}

// Rule returns the rule for a station, falling back to the default.
func (t *Table) Rule(externalID string) Rule {
	if r, ok := t.rules[externalID]; ok {
		return r
	}
	return t.fallback
}

// Map applies the station's rule to every sample of the run.
func (t *Table) Map(run models.SampleRun) models.AxisRun {
	r := t.Rule(run.ExternalStationID)
	channels := [...][]models.Sample{ChannelX: run.X, ChannelY: run.Y, ChannelZ: run.Z}

	out := models.AxisRun{
		StartTime:   run.StartTime,
		SampleRate:  run.SampleRate,
		SlotSamples: run.SlotSamples,
	}
	out.Vertical = mapChannel(channels[r.Vertical.Source], r.Vertical)
	out.North = mapChannel(channels[r.North.Source], r.North)
	out.East = mapChannel(channels[r.East.Source], r.East)
	return out
}

func mapChannel(in []models.Sample, tr Transform) []models.Sample {
	out := make([]models.Sample, len(in))
	for i, s := range in {
		out[i] = tr.apply(s)
	}
	return out
}

type transformFile struct {
	Source string   `yaml:"source"`
	Scale  *float64 `yaml:"scale"`
	Offset float64  `yaml:"offset"`
}

type ruleFile struct {
	Vertical *transformFile `yaml:"vertical"`
	North    *transformFile `yaml:"north"`
	East     *transformFile `yaml:"east"`
}

type tableFile struct {
	Default  *ruleFile           `yaml:"default"`
	Stations map[string]ruleFile `yaml:"stations"`
}

// LoadFile reads a YAML rule table and layers it over base. Axes left out of
// an entry keep the base fallback's transform; scale defaults to 1.
//
//	default:
//	  vertical: {source: z, scale: -1, offset: 9.77876}
//	stations:
//	  ECN-4:
//	    vertical: {source: y, offset: 6.598601}
//	    east: {source: z}
func LoadFile(path string, base *Table) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read axis rules: %w", err)
	}
	return Parse(data, base)
}

func Parse(data []byte, base *Table) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse axis rules: %w", err)
	}

	t := NewTable(StandardRule)
	if base != nil {
		t.fallback = base.fallback
		for id, r := range base.rules {
			t.rules[id] = r
		}
	}

	if f.Default != nil {
		r, err := f.Default.rule(t.fallback)
		if err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
		t.fallback = r
	}
	for id, rf := range f.Stations {
		r, err := rf.rule(t.fallback)
		if err != nil {
			return nil, fmt.Errorf("rule for %s: %w", id, err)
		}
		t.rules[id] = r
	}
	return t, nil
}

func (rf ruleFile) rule(base Rule) (Rule, error) {
	r := base
	for _, ax := range []struct {
		in  *transformFile
		out *Transform
	}{{rf.Vertical, &r.Vertical}, {rf.North, &r.North}, {rf.East, &r.East}} {
		if ax.in == nil {
			continue
		}
		tr, err := ax.in.transform()
		if err != nil {
			return Rule{}, err
		}
		*ax.out = tr
	}
	return r, nil
}

func (tf transformFile) transform() (Transform, error) {
	ch, err := ParseChannel(tf.Source)
	if err != nil {
		return Transform{}, err
	}
	scale := 1.0
	if tf.Scale != nil {
		scale = *tf.Scale
	}
	return Transform{Source: ch, Scale: scale, Offset: tf.Offset}, nil
}
