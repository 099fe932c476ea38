// Package metrics samples device utilization in the background and keeps the
// latest reading available to the dispatch loop without blocking it.
package metrics

import (
	"sync/atomic"

	"github.com/jetvision/agent/internal/models"
)

// Slot holds the most recent snapshot. One writer, any number of readers;
// neither side ever waits on the other.
type Slot struct {
	v   atomic.Pointer[models.MetricsSnapshot]
	raw atomic.Pointer[string]
}

// Store publishes s, replacing the previous snapshot.
func (s *Slot) Store(snap *models.MetricsSnapshot) {
	s.v.Store(snap)
}

// Load returns the latest snapshot, or nil before the first sample.
func (s *Slot) Load() *models.MetricsSnapshot {
	return s.v.Load()
}

// StoreRaw records the last line read from tegrastats, parsed or not.
func (s *Slot) StoreRaw(line string) {
	s.raw.Store(&line)
}

// LastRaw returns the last tegrastats line, or "" in host mode.
func (s *Slot) LastRaw() string {
	if p := s.raw.Load(); p != nil {
		return *p
	}
	return ""
}
