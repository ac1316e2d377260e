package models

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// SampleType is a sample property category.
type SampleType byte

const (
	Instantaneous SampleType = 'i'
	Accumulating  SampleType = 'a'
	Status        SampleType = 's'
)

// Samples holds the named properties of a datum.
type Samples struct {
	Instantaneous map[string]float64 `json:"i,omitempty"`
	Accumulating  map[string]float64 `json:"a,omitempty"`
	Status        map[string]any     `json:"s,omitempty"`
	Tags          []string           `json:"t,omitempty"`
}

// NewSamples returns empty samples.
func NewSamples() *Samples {
	return &Samples{}
}

// PutInstantaneous sets an instantaneous property and returns s for chaining.
func (s *Samples) PutInstantaneous(name string, v float64) *Samples {
	if s.Instantaneous == nil {
		s.Instantaneous = make(map[string]float64)
	}
	s.Instantaneous[name] = v
	return s
}

// PutAccumulating sets an accumulating property.
func (s *Samples) PutAccumulating(name string, v float64) *Samples {
	if s.Accumulating == nil {
		s.Accumulating = make(map[string]float64)
	}
	s.Accumulating[name] = v
	return s
}

// PutStatus sets a status property. Values should be string, bool or a number.
func (s *Samples) PutStatus(name string, v any) *Samples {
	if s.Status == nil {
		s.Status = make(map[string]any)
	}
	s.Status[name] = v
	return s
}

// AddTag adds tag if not already present.
func (s *Samples) AddTag(tag string) *Samples {
	if !slices.Contains(s.Tags, tag) {
		s.Tags = append(s.Tags, tag)
	}
	return s
}

// Value looks up a property in the given category.
func (s *Samples) Value(t SampleType, name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	switch t {
	case Instantaneous:
		v, ok := s.Instantaneous[name]
		return v, ok
	case Accumulating:
		v, ok := s.Accumulating[name]
		return v, ok
	case Status:
		v, ok := s.Status[name]
		return v, ok
	}
	return nil, false
}

// Copy returns a deep copy of s.
func (s *Samples) Copy() *Samples {
	if s == nil {
		return nil
	}
	return &Samples{
		Instantaneous: maps.Clone(s.Instantaneous),
		Accumulating:  maps.Clone(s.Accumulating),
		Status:        maps.Clone(s.Status),
		Tags:          slices.Clone(s.Tags),
	}
}

// IsEmpty reports whether s carries no properties. Tags alone do not count.
func (s *Samples) IsEmpty() bool {
	return s == nil || (len(s.Instantaneous) == 0 && len(s.Accumulating) == 0 && len(s.Status) == 0)
}

// DiffersFrom reports whether s and other carry different properties or tags.
func (s *Samples) DiffersFrom(other *Samples) bool {
	if s == nil {
		s = &Samples{}
	}
	if other == nil {
		other = &Samples{}
	}
	if !maps.Equal(s.Instantaneous, other.Instantaneous) || !maps.Equal(s.Accumulating, other.Accumulating) {
		return true
	}
	if !reflect.DeepEqual(normalizeStatus(s.Status), normalizeStatus(other.Status)) {
		return true
	}
	a, b := slices.Clone(s.Tags), slices.Clone(other.Tags)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

// PropertyNames returns every property name across categories, sorted.
func (s *Samples) PropertyNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Instantaneous)+len(s.Accumulating)+len(s.Status))
	for k := range s.Instantaneous {
		names = append(names, k)
	}
	for k := range s.Accumulating {
		names = append(names, k)
	}
	for k := range s.Status {
		names = append(names, k)
	}
	sort.Strings(names)
	return slices.Compact(names)
}

func (s *Samples) String() string {
	if s == nil {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range s.PropertyNames() {
		if i > 0 {
			b.WriteByte(',')
		}
		var v any
		for _, t := range []SampleType{Instantaneous, Accumulating, Status} {
			if val, ok := s.Value(t, name); ok {
				v = val
				break
			}
		}
		fmt.Fprintf(&b, "%s=%v", name, v)
	}
	b.WriteByte('}')
	return b.String()
}

// JSON decoding yields float64 for numbers; treat ints the same so a
// round-tripped status map compares equal.
func normalizeStatus(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
