package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// Sharing labels from most to least public.
const (
	SharingPublic      = "Public"
	SharingForecasters = "Us, Researchers and Forecasters"
	SharingResearchers = "Us and Researchers"
	SharingPrivate     = "Cumulonimbus (Us)"
)

// DefaultSharingLevels is the ordered sharing scale, most public first.
func DefaultSharingLevels() []string {
	return []string{SharingPublic, SharingForecasters, SharingResearchers, SharingPrivate}
}

// LayoutType selects how records are partitioned by sharing level.
type LayoutType string

const (
	// LayoutCombined writes one archive per level holding every record shared
	// at that level or more publicly.
	LayoutCombined LayoutType = "combined"
	// LayoutSplit writes one archive per exact sharing level.
	LayoutSplit LayoutType = "split"
)

// Layout is one sharing partitioning of an archive stream.
type Layout struct {
	Type LayoutType
	// Granularities this layout is written for; empty means all.
	Granularities []string
	// MaxSharing caps the levels written, inclusive; empty means all levels.
	MaxSharing string
}

// sharingGroup is one archive destination: a prefix and the levels it holds.
type sharingGroup struct {
	prefix string
	levels map[int]bool
}

func (l Layout) groups(levels []string) ([]sharingGroup, error) {
	last := len(levels) - 1
	if l.MaxSharing != "" {
		last = slices.Index(levels, l.MaxSharing)
		if last < 0 {
			return nil, fmt.Errorf("layout %s: unknown max_sharing %q", l.Type, l.MaxSharing)
		}
	}

	groups := make([]sharingGroup, 0, last+1)
	for i := 0; i <= last; i++ {
		g := sharingGroup{prefix: string(l.Type) + "/" + levels[i], levels: make(map[int]bool)}
		switch l.Type {
		case LayoutCombined:
			for j := 0; j <= i; j++ {
				g.levels[j] = true
			}
		case LayoutSplit:
			g.levels[i] = true
		default:
			return nil, fmt.Errorf("unknown layout type %q", l.Type)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ArchiveOptions configures an ArchiveHandler.
type ArchiveOptions struct {
	Name     string
	Bucket   string
	Root     string
	Compress bool
	// Fields is the allow-list applied before merging; empty keeps every field.
	Fields        []string
	Formats       []string
	SharingLevels []string
	Layouts       []Layout
}

type compiledLayout struct {
	granularities labelSet
	groups        []sharingGroup
}

// ArchiveHandler merges a window into sharing-partitioned archives. The
// public (projected) and private (full record) streams are two configurations
// of this handler.
type ArchiveHandler struct {
	name     string
	archiver archiver
	fields   []string
	levels   []string
	layouts  []compiledLayout
}

// NewArchiveHandler validates opts and builds the handler.
func NewArchiveHandler(store storage.ObjectStore, opts ArchiveOptions) (*ArchiveHandler, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive %q: bucket must not be empty", opts.Name)
	}
	if len(opts.Layouts) == 0 {
		return nil, fmt.Errorf("archive %q: at least one layout is required", opts.Name)
	}
	levels := opts.SharingLevels
	if len(levels) == 0 {
		levels = DefaultSharingLevels()
	}
	writers, err := writersFor(opts.Formats)
	if err != nil {
		return nil, fmt.Errorf("archive %q: %w", opts.Name, err)
	}

	h := &ArchiveHandler{
		name:     opts.Name,
		archiver: newArchiver(store, opts.Bucket, opts.Root, opts.Compress, writers),
		fields:   opts.Fields,
		levels:   levels,
	}
	for _, l := range opts.Layouts {
		groups, err := l.groups(levels)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", opts.Name, err)
		}
		h.layouts = append(h.layouts, compiledLayout{granularities: l.Granularities, groups: groups})
	}
	return h, nil
}

func (h *ArchiveHandler) Name() string { return h.name }

func (h *ArchiveHandler) Accepts(label string) bool {
	for _, l := range h.layouts {
		if l.granularities.accepts(label) {
			return true
		}
	}
	return false
}

// Handle writes every non-empty sharing group of every layout that covers the
// window's granularity. All groups are attempted; the errors are joined.
func (h *ArchiveHandler) Handle(ctx context.Context, key block.Key, records []reading.Record) error {
	ranks := make([]int, len(records))
	for i, rec := range records {
		ranks[i] = h.rank(rec)
	}

	var errs []error
	for _, l := range h.layouts {
		if !l.granularities.accepts(key.Label) {
			continue
		}
		for _, g := range l.groups {
			var selected []reading.Record
			for i, rec := range records {
				if g.levels[ranks[i]] {
					selected = append(selected, rec.Project(h.fields))
				}
			}
			if len(selected) == 0 {
				continue
			}
			if err := h.archiver.update(ctx, g.prefix, key, selected); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// rank is the position of the record's sharing label on the scale. Missing or
// unknown labels rank as the most private level.
func (h *ArchiveHandler) rank(rec reading.Record) int {
	if i := slices.Index(h.levels, rec.Sharing()); i >= 0 {
		return i
	}
	return len(h.levels) - 1
}

func newArchiver(store storage.ObjectStore, bucket, root string, compress bool, writers []Writer) archiver {
	if root == "" {
		root = DefaultArchiveRoot
	}
	return archiver{store: store, bucket: bucket, root: root, compress: compress, writers: writers}
}

// writersFor resolves format names. JSON is required because merges read it back.
func writersFor(formats []string) ([]Writer, error) {
	if len(formats) == 0 {
		formats = []string{FormatJSON, FormatCSV}
	}
	if !slices.Contains(formats, FormatJSON) {
		return nil, fmt.Errorf("formats must include %q", FormatJSON)
	}
	writers := make([]Writer, 0, len(formats))
	for _, f := range slices.Compact(slices.Clone(formats)) {
		w, err := WriterFor(f)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return writers, nil
}
