package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/uuidv7"
)

// Store implements storage.Backend in-memory; intended for tests and local
// development.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*entry

	sortedKeys []string
	keysDirty  bool
}

type entry struct {
	value   []byte
	etag    string
	updated time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		objs:      make(map[string]*entry),
		keysDirty: true,
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory
// store.
func (s *Store) Close() error {
	return nil
}

// Get returns a copy of the value stored for key.
func (s *Store) Get(_ context.Context, key string) (storage.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	if !ok {
		return storage.GetResult{}, storage.ErrNotFound
	}
	return storage.GetResult{
		Value: append([]byte(nil), e.value...),
		Info: storage.ObjectInfo{
			Key:          key,
			ETag:         e.etag,
			Size:         int64(len(e.value)),
			LastModified: e.updated,
		},
	}, nil
}

// Put stores or replaces the value for key depending on opts.
func (s *Store) Put(_ context.Context, key string, value []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return storage.ObjectInfo{}, storage.ErrNotFound
		}
		if e.etag != opts.ExpectedETag {
			return storage.ObjectInfo{}, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return storage.ObjectInfo{}, storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	now := time.Now().UTC()
	s.objs[key] = &entry{
		value:   append([]byte(nil), value...),
		etag:    etag,
		updated: now,
	}
	if !exists && !s.keysDirty {
		s.insertKeyLocked(key)
	}
	return storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(value)),
		LastModified: now,
	}, nil
}

// Delete removes the value for key with optional CAS.
func (s *Store) Delete(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && e.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	if !s.keysDirty {
		s.removeKeyLocked(key)
	}
	return nil
}

// List returns stored keys sorted lexicographically.
func (s *Store) List(_ context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.objs {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	keys := s.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	var result storage.ListResult
	seenPrefix := false
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if seenPrefix {
				break
			}
			continue
		}
		seenPrefix = true
		e := s.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         e.etag,
			Size:         int64(len(e.value)),
			LastModified: e.updated,
		})
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			if idx+1 < len(keys) && (opts.Prefix == "" || strings.HasPrefix(keys[idx+1], opts.Prefix)) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			break
		}
	}
	return result, nil
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
