// Package disk implements storage.Backend on the local filesystem. One
// envelope file per key, written via temp file + rename so a crashed write
// never leaves a torn record. A process-wide mutex provides CAS atomicity;
// the server is the single writer for a given root.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/uuidv7"
)

// Config configures the disk store.
type Config struct {
	// Root is the directory holding all envelope files.
	Root string
	// SyncWrites fsyncs envelope files and parent directories after rename.
	SyncWrites bool
}

// Store implements storage.Backend on a directory tree.
type Store struct {
	root string
	sync bool
	mu   sync.RWMutex
}

type envelope struct {
	Key           string `json:"key"`
	ETag          string `json:"etag"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
	Value         []byte `json:"value"`
}

// New opens (creating if needed) a disk store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	return &Store{root: abs, sync: cfg.SyncWrites}, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error {
	return nil
}

// Get reads the envelope for key.
func (s *Store) Get(_ context.Context, key string) (storage.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, err := s.readEnvelope(key)
	if err != nil {
		return storage.GetResult{}, err
	}
	return storage.GetResult{
		Value: env.Value,
		Info: storage.ObjectInfo{
			Key:          key,
			ETag:         env.ETag,
			Size:         int64(len(env.Value)),
			LastModified: time.Unix(env.UpdatedAtUnix, 0).UTC(),
		},
	}, nil
}

// Put writes the envelope for key, enforcing conditional semantics under the
// store mutex.
func (s *Store) Put(_ context.Context, key string, value []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.readEnvelope(key)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.ObjectInfo{}, err
	}
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return storage.ObjectInfo{}, storage.ErrNotFound
		}
		if current.ETag != opts.ExpectedETag {
			return storage.ObjectInfo{}, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return storage.ObjectInfo{}, storage.ErrCASMismatch
	}
	now := time.Now().UTC()
	env := envelope{
		Key:           key,
		ETag:          uuidv7.NewString(),
		UpdatedAtUnix: now.Unix(),
		Value:         value,
	}
	if err := s.writeEnvelope(key, env); err != nil {
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{
		Key:          key,
		ETag:         env.ETag,
		Size:         int64(len(value)),
		LastModified: now,
	}, nil
}

// Delete removes the envelope for key with optional CAS.
func (s *Store) Delete(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := s.readEnvelope(key)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && env.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(s.pathFor(key)); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: remove %q: %w", key, err))
	}
	return nil
}

// List walks the tree and returns keys in ascending lexical order.
func (s *Store) List(_ context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), envelopeSuffix) {
			return nil
		}
		key, ok := s.keyFor(path)
		if !ok {
			return nil
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return storage.ListResult{}, storage.NewTransientError(fmt.Errorf("disk: list: %w", err))
	}
	sort.Strings(keys)
	var result storage.ListResult
	for i, key := range keys {
		env, err := s.readEnvelope(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return storage.ListResult{}, err
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         env.ETag,
			Size:         int64(len(env.Value)),
			LastModified: time.Unix(env.UpdatedAtUnix, 0).UTC(),
		})
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			if i+1 < len(keys) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			break
		}
	}
	return result, nil
}

const envelopeSuffix = ".json"

func (s *Store) pathFor(key string) string {
	parts := strings.Split(key, "/")
	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = encodeSegment(part)
	}
	return filepath.Join(s.root, filepath.Join(encoded...)) + envelopeSuffix
}

func (s *Store) keyFor(path string) (string, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", false
	}
	rel = strings.TrimSuffix(rel, envelopeSuffix)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	decoded := make([]string, len(parts))
	for i, part := range parts {
		seg, ok := decodeSegment(part)
		if !ok {
			return "", false
		}
		decoded[i] = seg
	}
	return strings.Join(decoded, "/"), true
}

func (s *Store) readEnvelope(key string) (envelope, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return envelope{}, storage.ErrNotFound
		}
		return envelope{}, storage.NewTransientError(fmt.Errorf("disk: read %q: %w", key, err))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("disk: decode %q: %w", key, err)
	}
	return env, nil
}

func (s *Store) writeEnvelope(key string, env envelope) error {
	path := s.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: create dir: %w", err))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: encode %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write %q: %w", key, err))
	}
	if s.sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return storage.NewTransientError(fmt.Errorf("disk: sync %q: %w", key, err))
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close %q: %w", key, err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename %q: %w", key, err))
	}
	if s.sync {
		if d, err := os.Open(dir); err == nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}
	return nil
}

// Segment encoding keeps arbitrary key segments filesystem-safe without
// colliding with the envelope suffix or dot-files.
func encodeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

func decodeSegment(seg string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(seg) {
			return "", false
		}
		var v int
		if _, err := fmt.Sscanf(seg[i+1:i+3], "%02x", &v); err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}
