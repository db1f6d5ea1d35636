package genrouter

import (
	"sort"
	"sync"
	"time"
)

// Descriptor describes one configured provider: what it can generate,
// what it costs, and how it ranks. Descriptors are owned by the Registry
// and mutate only through Reload.
type Descriptor struct {
	ID           string            `yaml:"id"`
	Capabilities []Mode            `yaml:"capabilities"`
	Resolutions  []string          `yaml:"resolutions"`
	CostPerUnit  map[Mode]float64  `yaml:"cost_per_unit"`
	QualityScore float64           `yaml:"quality_score"`
	Enabled      bool              `yaml:"enabled"`
	Priority     int               `yaml:"priority"` // lower = preferred
	LatencySecs  float64           `yaml:"latency_estimate"`
	Auth         Auth              `yaml:"auth"`
	Extra        map[string]string `yaml:"extra,omitempty"`
}

// LatencyEstimate is the configured average-latency estimate, used by the
// speed strategy until real observations accumulate.
func (d Descriptor) LatencyEstimate() time.Duration {
	return time.Duration(d.LatencySecs * float64(time.Second))
}

// Supports reports whether the descriptor can serve the given mode and
// resolution. An empty Resolutions list accepts any resolution.
func (d Descriptor) Supports(mode Mode, resolution string) bool {
	capable := false
	for _, m := range d.Capabilities {
		if m == mode {
			capable = true
			break
		}
	}
	if !capable {
		return false
	}
	if resolution == "" || len(d.Resolutions) == 0 {
		return true
	}
	for _, r := range d.Resolutions {
		if r == resolution {
			return true
		}
	}
	return false
}

// Cost returns the per-unit cost for a mode at a resolution. 2K costs
// 1.5x the base rate and 4K costs 2x, matching upstream pricing tiers.
func (d Descriptor) Cost(mode Mode, resolution string) float64 {
	base := d.CostPerUnit[mode]
	switch resolution {
	case "2K":
		return base * 1.5
	case "4K":
		return base * 2
	}
	return base
}

// Registry is the table of provider descriptors. Request handling only
// reads it; Reload replaces the whole table under lock.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates a Registry holding the given descriptors.
func NewRegistry(descriptors []Descriptor) *Registry {
	r := &Registry{}
	r.Reload(descriptors)
	return r
}

// Reload replaces the registry contents. This is the only mutation path.
func (r *Registry) Reload(descriptors []Descriptor) {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.ID] = d
	}
	r.mu.Lock()
	r.descriptors = m
	r.mu.Unlock()
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// ListEligible returns the enabled descriptors matching mode and
// resolution, sorted by id for determinism. An empty result is not an
// error; callers translate it to ErrNoEligibleProvider.
func (r *Registry) ListEligible(mode Mode, resolution string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, d := range r.descriptors {
		if !d.Enabled {
			continue
		}
		if !d.Supports(mode, resolution) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every descriptor, sorted by id.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
