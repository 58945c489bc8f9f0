package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pressurenet/readings-aggregator/internal/core/storage"
)

// Object is one stored blob.
type Object struct {
	Content []byte
	Options storage.WriteOptions
}

// ObjectStore is an in-memory storage.ObjectStore. Content is kept uncompressed.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string]Object // bucket + "/" + key
	writes  int

	// FailWrite, when non-nil, is consulted before every write.
	FailWrite func(bucket, key string) error
}

// NewObjectStore creates an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]Object)}
}

func objectPath(bucket, key string) string { return bucket + "/" + key }

func (s *ObjectStore) Read(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[objectPath(bucket, key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), obj.Content...), true, nil
}

func (s *ObjectStore) Write(_ context.Context, bucket, key string, content []byte, opts storage.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrite != nil {
		if err := s.FailWrite(bucket, key); err != nil {
			return err
		}
	}
	s.objects[objectPath(bucket, key)] = Object{Content: append([]byte(nil), content...), Options: opts}
	s.writes++
	return nil
}

func (s *ObjectStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for path := range s.objects {
		key, ok := strings.CutPrefix(path, bucket+"/")
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns a stored object for assertions.
func (s *ObjectStore) Get(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectPath(bucket, key)]
	return obj, ok
}

// Writes returns the number of successful writes.
func (s *ObjectStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
