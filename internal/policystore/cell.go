package policystore

import (
	"sync/atomic"

	"github.com/mlesin/proxy-twister/internal/policy"
)

// Cell is the shared policy cell of spec.md §9: an atomic pointer to an
// immutable *policy.Policy snapshot. Readers take no lock at all; the
// watcher publishes a new snapshot with a single atomic swap.
type Cell struct {
	current atomic.Pointer[policy.Policy]
}

// NewCell creates a cell already holding initial (must not be nil).
func NewCell(initial *policy.Policy) *Cell {
	c := &Cell{}
	c.current.Store(initial)
	return c
}

// Load returns the current policy snapshot. This is the "short shared
// lease" of spec.md §4.9: callers must clone anything they need and must
// not retain the returned pointer across an I/O suspension.
func (c *Cell) Load() *policy.Policy {
	return c.current.Load()
}

// Swap atomically replaces the policy snapshot and returns the previous one.
func (c *Cell) Swap(next *policy.Policy) *policy.Policy {
	return c.current.Swap(next)
}
