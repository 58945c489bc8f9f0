package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"github.com/pressurenet/readings-aggregator/internal/core/block"
	"github.com/pressurenet/readings-aggregator/internal/core/reading"
	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// DefaultArchiveRoot is the key prefix of pressure archives.
const DefaultArchiveRoot = "readings/pressure"

// ArchivePath builds <root>/<prefix>/<format>/<label>/<start>.<format>.
func ArchivePath(root, prefix, format, label string, start int64) string {
	return path.Join(root, prefix, format, label, strconv.FormatInt(start, 10)+"."+format)
}

// archiver is the merge-on-write strategy shared by the archive handlers:
// read the JSON archive at a prefix, merge the new records in, and rewrite
// every format whole.
type archiver struct {
	store    storage.ObjectStore
	bucket   string
	root     string
	compress bool
	writers  []Writer
}

func (a archiver) update(ctx context.Context, prefix string, key block.Key, records []reading.Record) error {
	jsonPath := ArchivePath(a.root, prefix, FormatJSON, key.Label, key.Start)

	var existing []reading.Record
	content, found, err := a.store.Read(ctx, a.bucket, jsonPath)
	if err != nil {
		return fmt.Errorf("read archive %s/%s: %w", a.bucket, jsonPath, err)
	}
	if found {
		existing, err = reading.DecodeArchive(content)
		if err != nil {
			return fmt.Errorf("archive %s/%s: %w", a.bucket, jsonPath, err)
		}
	}

	merged := Merge(existing, records)

	// JSON goes last: it is what the next merge reads, so a failure on an
	// earlier format leaves the previous JSON in place for the retry.
	for _, w := range a.orderedWriters() {
		encoded, err := w.Encode(merged)
		if err != nil {
			return err
		}
		target := ArchivePath(a.root, prefix, w.Format(), key.Label, key.Start)
		opts := storage.WriteOptions{ContentType: w.ContentType(), Compress: a.compress}
		if err := a.store.Write(ctx, a.bucket, target, encoded, opts); err != nil {
			return fmt.Errorf("write archive %s/%s: %w", a.bucket, target, err)
		}
	}

	slog.Debug("[Archive] Window merged",
		"bucket", a.bucket,
		"prefix", prefix,
		"window", key.String(),
		"new", len(records),
		"existing", len(existing),
		"merged", len(merged))

	return nil
}

func (a archiver) orderedWriters() []Writer {
	out := make([]Writer, 0, len(a.writers))
	var jsonWriter Writer
	for _, w := range a.writers {
		if w.Format() == FormatJSON {
			jsonWriter = w
			continue
		}
		out = append(out, w)
	}
	if jsonWriter != nil {
		out = append(out, jsonWriter)
	}
	return out
}
