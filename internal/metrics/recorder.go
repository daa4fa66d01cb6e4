// Package metrics keeps the shared training statistics map. Every reader and
// writer goes through one mutex; there are no privileged lock-free writers.
package metrics

import "sync"

// Recorder is the mutable stats shared by the learners and the monitor loop.
// Values are whatever JSON round-trips: float64 scalars, ints, slices.
type Recorder struct {
	mu    sync.Mutex
	stats map[string]any
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]any)}
}

// Set stores one value, last writer wins.
func (r *Recorder) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[key] = value
}

// SetAll stores a group of values under one lock acquisition, so a learner
// iteration's stats land together.
func (r *Recorder) SetAll(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.stats[k] = v
	}
}

// AddInt increments an integer counter and returns the new value. A missing
// key counts from zero; a float value (JSON restores numbers as float64) is
// converted.
func (r *Recorder) AddInt(key string, delta int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := asInt(r.stats[key]) + delta
	r.stats[key] = n
	return n
}

// GetInt reads an integer counter, tolerating float64 from a restored
// checkpoint.
func (r *Recorder) GetInt(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asInt(r.stats[key])
}

// Snapshot returns a shallow copy of the current stats.
func (r *Recorder) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Replace swaps in a restored stats map wholesale, as after a checkpoint
// load. A nil map resets to empty.
func (r *Recorder) Replace(stats map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = make(map[string]any, len(stats))
	for k, v := range stats {
		r.stats[k] = v
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
