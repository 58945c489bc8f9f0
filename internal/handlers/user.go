package handlers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

const defaultUserConcurrency = 8

// UserArchiveOptions configures a UserArchiveHandler.
type UserArchiveOptions struct {
	Name     string
	Bucket   string
	Root     string
	Compress bool
	Fields   []string
	Formats  []string
	// Granularities defaults to the coarsest configured one when built from a stream.
	Granularities []string
	// Concurrency bounds the per-user archive writes of one window.
	Concurrency int
}

// UserArchiveHandler writes one archive per distinct user_id in a window,
// under user/<escaped id>. Records without a user_id are skipped.
type UserArchiveHandler struct {
	name          string
	archiver      archiver
	fields        []string
	granularities labelSet
	concurrency   int
}

func NewUserArchiveHandler(store storage.ObjectStore, opts UserArchiveOptions) (*UserArchiveHandler, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("user archive %q: bucket must not be empty", opts.Name)
	}
	writers, err := writersFor(opts.Formats)
	if err != nil {
		return nil, fmt.Errorf("user archive %q: %w", opts.Name, err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultUserConcurrency
	}
	return &UserArchiveHandler{
		name:          opts.Name,
		archiver:      newArchiver(store, opts.Bucket, opts.Root, opts.Compress, writers),
		fields:        opts.Fields,
		granularities: opts.Granularities,
		concurrency:   opts.Concurrency,
	}, nil
}

func (h *UserArchiveHandler) Name() string { return h.name }

func (h *UserArchiveHandler) Accepts(label string) bool { return h.granularities.accepts(label) }

func (h *UserArchiveHandler) Handle(ctx context.Context, key block.Key, records []reading.Record) error {
	byUser := make(map[string][]reading.Record)
	for _, rec := range records {
		id := rec.UserID()
		if id == "" {
			continue
		}
		byUser[id] = append(byUser[id], rec.Project(h.fields))
	}

	users := make([]string, 0, len(byUser))
	for id := range byUser {
		users = append(users, id)
	}
	sort.Strings(users)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, id := range users {
		g.Go(func() error {
			return h.archiver.update(gctx, UserPrefix(id), key, byUser[id])
		})
	}
	return g.Wait()
}

// UserPrefix is the archive prefix of one user's readings. Dot-only ids are
// escaped too so they cannot climb out of user/ when the path is cleaned.
func UserPrefix(userID string) string {
	escaped := url.PathEscape(userID)
	if strings.Trim(escaped, ".") == "" {
		escaped = strings.ReplaceAll(escaped, ".", "%2E")
	}
	return "user/" + escaped
}
