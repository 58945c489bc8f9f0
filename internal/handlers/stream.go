package handlers

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"gopkg.in/yaml.v3"
)

// StreamKind selects the handler a stream is built into.
type StreamKind string

const (
	KindArchive     StreamKind = "archive"
	KindUserArchive StreamKind = "user_archive"
	KindStatistics  StreamKind = "statistics"
)

// LayoutSpec is the on-disk shape of a Layout.
type LayoutSpec struct {
	Type          string   `yaml:"type"`
	Granularities []string `yaml:"granularities"`
	MaxSharing    string   `yaml:"max_sharing"`
}

// StreamSpec declares one output stream. Streams are loaded one per YAML file
// and fingerprinted so a deployment can tell which definition is live.
type StreamSpec struct {
	Name string     `yaml:"name"`
	Kind StreamKind `yaml:"kind"`

	// Archive streams. An empty bucket means the private bucket.
	Bucket      string       `yaml:"bucket"`
	Root        string       `yaml:"root"`
	Fields      []string     `yaml:"fields"`
	Formats     []string     `yaml:"formats"`
	Layouts     []LayoutSpec `yaml:"layouts"`
	Concurrency int          `yaml:"concurrency"`

	// Granularities the stream participates in. Empty means all for archive
	// and statistics streams, and the coarsest one for user archives.
	Granularities []string `yaml:"granularities"`

	// Statistics streams. An empty table means the configured statistics table.
	Table      string   `yaml:"table"`
	Precisions []int    `yaml:"precisions"`
	Statistics []string `yaml:"statistics"`
	ValueField string   `yaml:"value_field"`

	Fingerprint string `yaml:"-"`
}

// FileSystemStreamRepository loads stream specs from *.yaml files in a
// directory, in file name order. Loaded once at startup.
type FileSystemStreamRepository struct {
	dir     string
	streams []StreamSpec
}

// NewFileSystemStreamRepository eagerly loads every stream in dir. A missing
// directory yields an empty repository.
func NewFileSystemStreamRepository(dir string) (*FileSystemStreamRepository, error) {
	repo := &FileSystemStreamRepository{dir: dir}
	if dir == "" {
		return repo, nil
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemStreamRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("stream path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading stream dir: %w", err)
	}

	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading stream file %s: %w", path, err)
		}

		var spec StreamSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parsing stream file %s: %w", path, err)
		}
		if spec.Name == "" {
			continue // empty or comment-only file
		}
		if prev, exists := seen[spec.Name]; exists {
			return fmt.Errorf("stream %q: duplicate name in %s and %s", spec.Name, prev, path)
		}
		if err := spec.validate(); err != nil {
			return fmt.Errorf("stream file %s: %w", path, err)
		}

		seen[spec.Name] = path
		spec.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))
		r.streams = append(r.streams, spec)
	}
	return nil
}

// List returns the loaded streams in file name order.
func (r *FileSystemStreamRepository) List() []StreamSpec {
	return slices.Clone(r.streams)
}

// Get returns the stream with the given name.
func (r *FileSystemStreamRepository) Get(name string) (StreamSpec, error) {
	for _, s := range r.streams {
		if s.Name == name {
			return s, nil
		}
	}
	return StreamSpec{}, fmt.Errorf("stream %q not found", name)
}

func (s StreamSpec) validate() error {
	switch s.Kind {
	case KindArchive:
		if len(s.Layouts) == 0 {
			return fmt.Errorf("stream %q: archive streams need at least one layout", s.Name)
		}
		for _, l := range s.Layouts {
			if t := LayoutType(l.Type); t != LayoutCombined && t != LayoutSplit {
				return fmt.Errorf("stream %q: unknown layout type %q", s.Name, l.Type)
			}
		}
	case KindUserArchive, KindStatistics:
	default:
		return fmt.Errorf("stream %q: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// DefaultStreams is the built-in chain: the unfiltered private archive, the
// projected public archive, per-user archives and geohash statistics. The split
// private layout covers the coarsest granularity; statistics cover the
// 10minute and hourly windows when those run, otherwise every granularity.
func DefaultStreams(publicBucket string, gs []block.Granularity) []StreamSpec {
	var split, statistics []string
	if coarsest, ok := block.Coarsest(gs); ok {
		split = []string{coarsest.Label}
	}
	for _, g := range gs {
		if g.Label == "10minute" || g.Label == "hourly" {
			statistics = append(statistics, g.Label)
		}
	}

	return []StreamSpec{
		{
			Name: "private",
			Kind: KindArchive,
			Layouts: []LayoutSpec{
				{Type: string(LayoutCombined)},
				{Type: string(LayoutSplit), Granularities: split},
			},
		},
		{
			Name:   "public",
			Kind:   KindArchive,
			Bucket: publicBucket,
			Fields: []string{reading.FieldReading, reading.FieldDateRecorded, reading.FieldLatitude, reading.FieldLongitude},
			Layouts: []LayoutSpec{
				{Type: string(LayoutCombined), MaxSharing: SharingPublic},
			},
		},
		{
			Name: "user",
			Kind: KindUserArchive,
		},
		{
			Name:          "statistics",
			Kind:          KindStatistics,
			Granularities: statistics,
		},
	}
}

// ChainDeps are the collaborators and defaults streams are built against.
type ChainDeps struct {
	Store         storage.ObjectStore
	Index         storage.IndexWriter
	Granularities []block.Granularity
	SharingLevels []string
	PrivateBucket string
	Root          string
	Compress      bool
	Table         string
}

// BuildChain turns stream specs into handlers. Granularity labels a stream
// names but the deployment does not run are dropped.
func BuildChain(specs []StreamSpec, deps ChainDeps) (Chain, error) {
	configured := make([]string, len(deps.Granularities))
	for i, g := range deps.Granularities {
		configured[i] = g.Label
	}

	chain := make(Chain, 0, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		granularities, err := restrict(spec.Name, spec.Granularities, configured)
		if err != nil {
			return nil, err
		}
		bucket := spec.Bucket
		if bucket == "" {
			bucket = deps.PrivateBucket
		}
		root := spec.Root
		if root == "" {
			root = deps.Root
		}

		var h Handler
		switch spec.Kind {
		case KindArchive:
			layouts := make([]Layout, 0, len(spec.Layouts))
			for _, l := range spec.Layouts {
				lg, err := restrict(spec.Name, l.Granularities, configured)
				if err != nil {
					return nil, err
				}
				if len(lg) == 0 {
					lg = granularities
				}
				layouts = append(layouts, Layout{Type: LayoutType(l.Type), Granularities: lg, MaxSharing: l.MaxSharing})
			}
			h, err = NewArchiveHandler(deps.Store, ArchiveOptions{
				Name:          spec.Name,
				Bucket:        bucket,
				Root:          root,
				Compress:      deps.Compress,
				Fields:        spec.Fields,
				Formats:       spec.Formats,
				SharingLevels: deps.SharingLevels,
				Layouts:       layouts,
			})
		case KindUserArchive:
			if len(granularities) == 0 {
				coarsest, ok := block.Coarsest(deps.Granularities)
				if !ok {
					return nil, fmt.Errorf("stream %q: no granularities configured", spec.Name)
				}
				granularities = []string{coarsest.Label}
			}
			h, err = NewUserArchiveHandler(deps.Store, UserArchiveOptions{
				Name:          spec.Name,
				Bucket:        bucket,
				Root:          root,
				Compress:      deps.Compress,
				Fields:        spec.Fields,
				Formats:       spec.Formats,
				Granularities: granularities,
				Concurrency:   spec.Concurrency,
			})
		case KindStatistics:
			if deps.Index == nil {
				return nil, fmt.Errorf("stream %q: no statistics index configured", spec.Name)
			}
			table := spec.Table
			if table == "" {
				table = deps.Table
			}
			h, err = NewStatisticsHandler(deps.Index, StatisticsOptions{
				Name:          spec.Name,
				Table:         table,
				Granularities: granularities,
				Precisions:    spec.Precisions,
				Statistics:    spec.Statistics,
				ValueField:    spec.ValueField,
			})
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, h)
	}
	return chain, nil
}

// restrict keeps the named labels the deployment runs. Naming only labels it
// does not run is an error, because the stream would silently never fire.
func restrict(stream string, named, configured []string) ([]string, error) {
	if len(named) == 0 {
		return nil, nil
	}
	var out []string
	for _, label := range named {
		if slices.Contains(configured, label) {
			out = append(out, label)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("stream %q: none of granularities %v are configured (have %v)", stream, named, configured)
	}
	return out, nil
}
