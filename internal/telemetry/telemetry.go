// Package telemetry keeps in-process counters and timings for the local
// status endpoint. Nothing is transmitted off the device.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Timing summarizes the observed durations of one metric.
type Timing struct {
	Count   int64         `json:"count"`
	Total   time.Duration `json:"totalNs"`
	Max     time.Duration `json:"maxNs"`
	Average time.Duration `json:"avgNs"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters map[string]int64  `json:"counters"`
	Timings  map[string]Timing `json:"timings"`
}

// Registry holds named counters and timings. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*Timing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timings:  make(map[string]*Timing),
	}
}

// Name joins a metric name with sorted tags, e.g.
// "http.requests{route=/offline/sync,status=200}".
func Name(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// RecordCount adds delta to a counter.
func (r *Registry) RecordCount(name string, delta int64, tags map[string]string) {
	key := Name(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += delta
}

// RecordTiming adds one observation to a timing.
func (r *Registry) RecordTiming(name string, d time.Duration, tags map[string]string) {
	key := Name(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timings[key]
	if !ok {
		t = &Timing{}
		r.timings[key] = t
	}
	t.Count++
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
}

// Count returns the current value of a counter.
func (r *Registry) Count(name string, tags map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[Name(name, tags)]
}

// Snapshot copies the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timings:  make(map[string]Timing, len(r.timings)),
	}
	for k, v := range r.counters {
		s.Counters[k] = v
	}
	for k, t := range r.timings {
		copied := *t
		if copied.Count > 0 {
			copied.Average = copied.Total / time.Duration(copied.Count)
		}
		s.Timings[k] = copied
	}
	return s
}

// Reset clears every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]int64)
	r.timings = make(map[string]*Timing)
}
