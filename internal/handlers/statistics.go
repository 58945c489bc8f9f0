package handlers

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/stats"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// AttrUsers is the distinct-user count stored next to the numeric statistics.
const AttrUsers = "users"

// StatisticsOptions configures a StatisticsHandler.
type StatisticsOptions struct {
	Name          string
	Table         string
	Granularities []string
	// Precisions are the geohash lengths bucketed; defaults to 1 through 5.
	Precisions []int
	// Statistics names from stats.Operators; defaults to all of them.
	Statistics []string
	// ValueField is the numeric field summarised; defaults to reading.
	ValueField string
}

// StatisticsHandler recomputes per-geohash-cell statistics for a window and
// replaces the stored items. It never reads prior state.
type StatisticsHandler struct {
	name          string
	index         storage.IndexWriter
	table         string
	granularities labelSet
	precisions    []int
	statistics    []string
	valueField    string
}

func NewStatisticsHandler(index storage.IndexWriter, opts StatisticsOptions) (*StatisticsHandler, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("statistics %q: table must not be empty", opts.Name)
	}
	if len(opts.Precisions) == 0 {
		opts.Precisions = []int{1, 2, 3, 4, 5}
	}
	for _, p := range opts.Precisions {
		if p < 1 || p > stats.MaxGeohashPrecision {
			return nil, fmt.Errorf("statistics %q: precision %d out of range 1..%d", opts.Name, p, stats.MaxGeohashPrecision)
		}
	}
	if len(opts.Statistics) == 0 {
		opts.Statistics = stats.DefaultStatistics
	}
	for _, s := range opts.Statistics {
		if !stats.ValidStatistic(s) {
			return nil, fmt.Errorf("statistics %q: unknown statistic %q", opts.Name, s)
		}
	}
	if opts.ValueField == "" {
		opts.ValueField = reading.FieldReading
	}

	precisions := slices.Clone(opts.Precisions)
	slices.Sort(precisions)
	return &StatisticsHandler{
		name:          opts.Name,
		index:         index,
		table:         opts.Table,
		granularities: opts.Granularities,
		precisions:    slices.Compact(precisions),
		statistics:    opts.Statistics,
		valueField:    opts.ValueField,
	}, nil
}

func (h *StatisticsHandler) Name() string { return h.name }

func (h *StatisticsHandler) Accepts(label string) bool { return h.granularities.accepts(label) }

type cell struct {
	values []float64
	users  map[string]struct{}
}

func (h *StatisticsHandler) Handle(ctx context.Context, key block.Key, records []reading.Record) error {
	items := h.Items(key, records)
	if len(items) == 0 {
		return nil
	}
	for start := 0; start < len(items); start += storage.MaxIndexBatch {
		chunk := items[start:min(start+storage.MaxIndexBatch, len(items))]
		if err := h.index.BatchPut(ctx, h.table, chunk); err != nil {
			return fmt.Errorf("statistics %s: %w", key, err)
		}
	}
	slog.Debug("[Statistics] Window indexed", "window", key.String(), "records", len(records), "items", len(items))
	return nil
}

// Items computes the index items for a window, ordered by partition key.
// Records sharing an identity count once, the latest one winning. Records
// without numeric coordinates or value are left out.
func (h *StatisticsHandler) Items(key block.Key, records []reading.Record) []storage.IndexItem {
	maxPrecision := h.precisions[len(h.precisions)-1]
	cells := make(map[string]*cell)

	for _, rec := range Merge(nil, records) {
		lat, okLat := rec.Float(reading.FieldLatitude)
		lon, okLon := rec.Float(reading.FieldLongitude)
		value, okValue := rec.Float(h.valueField)
		if !okLat || !okLon || !okValue {
			continue
		}
		prefixes := stats.GeohashPrefixes(lat, lon, maxPrecision)
		for _, p := range h.precisions {
			gh := prefixes[p-1]
			c, ok := cells[gh]
			if !ok {
				c = &cell{users: make(map[string]struct{})}
				cells[gh] = c
			}
			c.values = append(c.values, value)
			if id := rec.UserID(); id != "" {
				c.users[id] = struct{}{}
			}
		}
	}

	items := make([]storage.IndexItem, 0, len(cells))
	for gh, c := range cells {
		attrs := make(map[string]any, len(h.statistics)+1)
		for name, v := range stats.Compute(c.values, h.statistics) {
			if name == stats.StatSamples {
				attrs[name] = int(v)
				continue
			}
			attrs[name] = v
		}
		attrs[AttrUsers] = len(c.users)
		items = append(items, storage.IndexItem{
			PartitionKey: PartitionKey(key.Label, gh),
			RangeKey:     key.Start,
			Attributes:   attrs,
		})
	}
	slices.SortFunc(items, func(a, b storage.IndexItem) int {
		return cmp.Compare(a.PartitionKey, b.PartitionKey)
	})
	return items
}

// PartitionKey is "<granularity label>-<geohash>".
func PartitionKey(label, geohash string) string {
	return label + "-" + geohash
}
