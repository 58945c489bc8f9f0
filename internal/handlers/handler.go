// Package handlers holds the output handlers a flushed window is dispatched to.
//
// Every handler must be idempotent: invoking it again with the same window
// data has to leave the destination in the same state, because a window whose
// flush fails anywhere is retried with every handler.
package handlers

import (
	"context"
	"slices"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
)

// Handler persists one window's records to one destination.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// Accepts reports whether the handler participates in a granularity.
	Accepts(label string) bool

	// Handle writes the window. A nil error means the write is committed.
	Handle(ctx context.Context, key block.Key, records []reading.Record) error
}

// Chain is the ordered set of configured handlers.
type Chain []Handler

// For returns the handlers that participate in the given granularity, in chain order.
func (c Chain) For(label string) []Handler {
	var out []Handler
	for _, h := range c {
		if h.Accepts(label) {
			out = append(out, h)
		}
	}
	return out
}

// Names lists the handler names in chain order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, h := range c {
		names[i] = h.Name()
	}
	return names
}

// labelSet is a granularity filter. An empty set accepts every label.
type labelSet []string

func (s labelSet) accepts(label string) bool {
	return len(s) == 0 || slices.Contains(s, label)
}
