package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind tells which durable store a datum belongs to.
type Kind int

const (
	// KindAny matches every kind in queries; it is never set on a datum.
	KindAny Kind = iota
	// KindNode is a node-scoped datum.
	KindNode
	// KindLocation is a location-scoped datum (weather, price, ...).
	KindLocation
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindLocation:
		return "location"
	default:
		return "any"
	}
}

// ParseKind parses a wire name. Empty or "any" yields KindAny.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return KindAny, nil
	case "node":
		return KindNode, nil
	case "location", "loc":
		return KindLocation, nil
	default:
		return KindAny, fmt.Errorf("unknown datum kind: %s", s)
	}
}

// Matches reports whether a datum of kind other satisfies the query kind k.
func (k Kind) Matches(other Kind) bool {
	return k == KindAny || k == other
}

// Datum is a single time-stamped, source-tagged measurement. Treat it as a
// value: use WithSamples to derive a changed copy.
type Datum struct {
	SourceID   string
	LocationID string
	Timestamp  time.Time
	Samples    *Samples
	Kind       Kind
}

// NewNodeDatum creates a node-scoped datum. The timestamp is truncated to
// millisecond precision.
func NewNodeDatum(sourceID string, ts time.Time, samples *Samples) *Datum {
	if samples == nil {
		samples = NewSamples()
	}
	return &Datum{
		SourceID:  sourceID,
		Timestamp: ts.Truncate(time.Millisecond),
		Samples:   samples,
		Kind:      KindNode,
	}
}

// NewLocationDatum creates a location-scoped datum.
func NewLocationDatum(locationID, sourceID string, ts time.Time, samples *Samples) *Datum {
	d := NewNodeDatum(sourceID, ts, samples)
	d.LocationID = locationID
	d.Kind = KindLocation
	return d
}

// WithSamples returns a shallow copy of d carrying samples.
func (d *Datum) WithSamples(samples *Samples) *Datum {
	cp := *d
	cp.Samples = samples
	return &cp
}

// Valid reports whether d can enter the queue.
func (d *Datum) Valid() bool {
	return d != nil && d.SourceID != ""
}

// Key returns the dedup key of d.
func (d *Datum) Key() DatumKey {
	return DatumKey{
		Kind:       d.Kind,
		SourceID:   d.SourceID,
		LocationID: d.LocationID,
		Millis:     d.Timestamp.UnixMilli(),
	}
}

func (d *Datum) String() string {
	if d == nil {
		return "Datum{nil}"
	}
	return fmt.Sprintf("Datum{%s,%s,%s,%s}", d.Kind, d.SourceID, d.Timestamp.UTC().Format(time.RFC3339Nano), d.Samples)
}

// DatumKey identifies one physical reading.
type DatumKey struct {
	Kind       Kind
	SourceID   string
	LocationID string
	Millis     int64
}
