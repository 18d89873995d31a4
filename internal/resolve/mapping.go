package resolve

import (
	"sort"

	"github.com/mapatur/reconcile/internal/model"
)

// Mapper resolves raw specialty names to canonical names using the curated
// mapping table. Lookups are by normalized raw name.
type Mapper struct {
	canonical map[string]string
}

// NewMapper indexes mappings by normalized raw name. Later entries win when
// two raw spellings normalize to the same key.
func NewMapper(mappings []model.SpecialtyMapping) *Mapper {
	m := &Mapper{canonical: make(map[string]string, len(mappings))}
	for _, mp := range mappings {
		key := NormalizeName(mp.RawName)
		if key == "" || mp.CanonicalName == "" {
			continue
		}
		m.canonical[key] = mp.CanonicalName
	}
	return m
}

// Resolve returns the canonical name for raw and whether a mapping exists.
func (m *Mapper) Resolve(raw string) (string, bool) {
	if m == nil {
		return "", false
	}
	c, ok := m.canonical[NormalizeName(raw)]
	return c, ok
}

// Partition splits raw names into resolved canonical names (keyed by raw
// name) and a sorted, de-duplicated list of unmapped raw names.
func (m *Mapper) Partition(raws []string) (map[string]string, []string) {
	resolved := make(map[string]string, len(raws))
	seen := make(map[string]bool)
	var unmapped []string
	for _, raw := range raws {
		if raw == "" {
			continue
		}
		if c, ok := m.Resolve(raw); ok {
			resolved[raw] = c
			continue
		}
		if !seen[raw] {
			seen[raw] = true
			unmapped = append(unmapped, raw)
		}
	}
	sort.Strings(unmapped)
	return resolved, unmapped
}

// Len returns the number of indexed mappings.
func (m *Mapper) Len() int {
	if m == nil {
		return 0
	}
	return len(m.canonical)
}
