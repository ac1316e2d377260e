package datumservice

import (
	"encoding/json"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SourceFilter selects datum by source ID. Entries containing glob
// metacharacters are matched as '/'-separated patterns ("*" within a
// segment, "**" across segments); every other entry is an exact ID.
type SourceFilter struct {
	literals []string
	patterns []string
}

// NewSourceFilter compiles ids into a filter. Blank entries are dropped and
// invalid patterns are treated as literal IDs.
func NewSourceFilter(ids []string) *SourceFilter {
	f := &SourceFilter{}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if isPattern(id) && doublestar.ValidatePattern(id) {
			f.patterns = append(f.patterns, id)
		} else {
			f.literals = append(f.literals, id)
		}
	}
	return f
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// Empty reports whether the filter accepts every source.
func (f *SourceFilter) Empty() bool {
	return f == nil || (len(f.literals) == 0 && len(f.patterns) == 0)
}

// Literal reports whether the filter holds only exact IDs, so results can be
// served by direct lookup.
func (f *SourceFilter) Literal() bool {
	return !f.Empty() && len(f.patterns) == 0
}

// Literals returns the exact IDs of the filter.
func (f *SourceFilter) Literals() []string {
	if f == nil {
		return nil
	}
	return f.literals
}

// Match reports whether sourceID passes the filter.
func (f *SourceFilter) Match(sourceID string) bool {
	if f.Empty() {
		return true
	}
	for _, l := range f.literals {
		if l == sourceID {
			return true
		}
	}
	for _, p := range f.patterns {
		if ok, err := doublestar.Match(p, sourceID); err == nil && ok {
			return true
		}
	}
	return false
}

// ParseSourceFilter parses a request parameter holding source IDs, either a
// JSON array or a comma-delimited list.
func ParseSourceFilter(param string) []string {
	param = strings.TrimSpace(param)
	if param == "" {
		return nil
	}
	if strings.HasPrefix(param, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(param), &ids); err == nil {
			return compact(ids)
		}
	}
	return compact(strings.Split(param, ","))
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
