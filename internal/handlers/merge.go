package handlers

import (
	"cmp"
	"slices"

	"github.com/pressurenet/readings-aggregator/internal/core/reading"
)

// Merge overlays incoming onto existing by record identity. On collision the
// incoming record wins; within one slice a later record wins over an earlier
// one. The result is ordered by daterecorded then identity, so it depends only
// on the set of surviving records and not on arrival order.
func Merge(existing, incoming []reading.Record) []reading.Record {
	byIdentity := make(map[string]reading.Record, len(existing)+len(incoming))
	for _, rec := range existing {
		byIdentity[rec.Identity()] = rec
	}
	for _, rec := range incoming {
		byIdentity[rec.Identity()] = rec
	}

	out := make([]reading.Record, 0, len(byIdentity))
	for _, rec := range byIdentity {
		out = append(out, rec)
	}
	SortRecords(out)
	return out
}

// SortRecords orders records by daterecorded, then identity.
func SortRecords(records []reading.Record) {
	slices.SortFunc(records, func(a, b reading.Record) int {
		ta, _ := a.DateRecorded()
		tb, _ := b.DateRecorded()
		if c := cmp.Compare(ta, tb); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity(), b.Identity())
	})
}
