package carbonrelay

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Source supplies the current value of every metric to a Poller.
type Source interface {
	Snapshot() []Observation
}

type registryKey struct {
	group string
	name  string
}

// Registry holds the latest value of each named metric. It keeps no history: setting a metric
// overwrites its previous value.
type Registry struct {
	metrics sync.Map // Key registryKey to value Observation
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Set records the current value of a metric.
func (r *Registry) Set(group, name string, value float64) {
	r.metrics.Store(registryKey{group: group, name: name}, Observation{
		Group:     group,
		Name:      name,
		Value:     value,
		Timestamp: r.now(),
	})
}

// Delete forgets a metric.
func (r *Registry) Delete(group, name string) {
	r.metrics.Delete(registryKey{group: group, name: name})
}

// Len returns the number of metrics held.
func (r *Registry) Len() int {
	n := 0
	r.metrics.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns every metric, ordered by group then name.
func (r *Registry) Snapshot() []Observation {
	var out []Observation
	r.metrics.Range(func(_, value any) bool {
		out = append(out, value.(Observation))
		return true
	})
	slices.SortFunc(out, func(a, b Observation) int {
		if c := cmp.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
