// Package transformer provides datum transforms for the queue.
package transformer

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"wisefido-datum/internal/datumservice"
	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"
)

// Chain runs transforms in order, each seeing the previous result. A drop
// or error ends the chain.
type Chain []queue.Transform

// Transform implements queue.Transform.
func (c Chain) Transform(d *models.Datum, samples *models.Samples, params map[string]any) (*models.Samples, error) {
	for _, t := range c {
		out, err := t.Transform(d, samples, params)
		if err != nil {
			return nil, err
		}
		if out != nil {
			samples = out
		}
	}
	return samples, nil
}

// PropertyFilterConfig configures a PropertyFilter.
type PropertyFilterConfig struct {
	// Sources limits the filter to matching source IDs; empty means all.
	Sources []string `yaml:"sources"`
	// Includes keeps only properties matching any expression.
	Includes []string `yaml:"includes"`
	// Excludes removes properties matching any expression.
	Excludes []string `yaml:"excludes"`
}

// PropertyFilter removes sample properties by name. A datum left without
// properties is dropped.
type PropertyFilter struct {
	sources  *datumservice.SourceFilter
	includes []*regexp.Regexp
	excludes []*regexp.Regexp
}

// NewPropertyFilter compiles cfg.
func NewPropertyFilter(cfg PropertyFilterConfig) (*PropertyFilter, error) {
	includes, err := compileAll(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compileAll(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &PropertyFilter{
		sources:  datumservice.NewSourceFilter(cfg.Sources),
		includes: includes,
		excludes: excludes,
	}, nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("invalid property expression %q: %w", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, name string) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (f *PropertyFilter) keep(name string) bool {
	if len(f.includes) > 0 && !matchAny(f.includes, name) {
		return false
	}
	return !matchAny(f.excludes, name)
}

// Transform implements queue.Transform.
func (f *PropertyFilter) Transform(d *models.Datum, samples *models.Samples, _ map[string]any) (*models.Samples, error) {
	if !f.sources.Match(d.SourceID) || samples.IsEmpty() {
		return samples, nil
	}

	changed := false
	out := samples.Copy()
	for name := range out.Instantaneous {
		if !f.keep(name) {
			delete(out.Instantaneous, name)
			changed = true
		}
	}
	for name := range out.Accumulating {
		if !f.keep(name) {
			delete(out.Accumulating, name)
			changed = true
		}
	}
	for name := range out.Status {
		if !f.keep(name) {
			delete(out.Status, name)
			changed = true
		}
	}

	if !changed {
		return samples, nil
	}
	if out.IsEmpty() {
		return nil, queue.ErrDrop
	}
	return out, nil
}

// Throttle drops datum arriving sooner than Interval after the last datum
// it let through for the same source.
type Throttle struct {
	interval time.Duration
	sources  *datumservice.SourceFilter

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle creates a Throttle for sources matching filter.
func NewThrottle(interval time.Duration, filter []string) *Throttle {
	return &Throttle{
		interval: interval,
		sources:  datumservice.NewSourceFilter(filter),
		last:     make(map[string]time.Time),
	}
}

// Transform implements queue.Transform.
func (t *Throttle) Transform(d *models.Datum, samples *models.Samples, _ map[string]any) (*models.Samples, error) {
	if t.interval <= 0 || !t.sources.Match(d.SourceID) {
		return samples, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[d.SourceID]; ok && d.Timestamp.Sub(prev) < t.interval && !d.Timestamp.Before(prev) {
		return nil, queue.ErrDrop
	}
	t.last[d.SourceID] = d.Timestamp
	return samples, nil
}
