// Package tokencache stores the CLI's bearer token and current
// project/environment selection under the user's config directory. The token
// is sealed with NaCl secretbox using a per-install key so a casual copy of
// the cache file alone does not leak the credential.
package tokencache

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigDir overrides the cache directory.
	EnvConfigDir = "SECRETD_CONFIG_DIR"
	// EnvToken bypasses the cache entirely when set.
	EnvToken = "SECRETD_TOKEN"
	// EnvProject overrides the selected project.
	EnvProject = "SECRETD_PROJECT"
	// EnvEnvironment overrides the selected environment.
	EnvEnvironment = "SECRETD_ENV"

	keyFile       = "token.key"
	tokenFile     = "token.enc"
	selectionFile = "selection.yaml"
	nonceSize     = 24
	keySize       = 32
)

// ErrNoToken indicates that no credential is cached and none was supplied
// via the environment.
var ErrNoToken = errors.New("tokencache: no token stored (run login first)")

// Selection is the CLI's sticky project/environment choice.
type Selection struct {
	Project     string `yaml:"project,omitempty"`
	Environment string `yaml:"environment,omitempty"`
}

// Cache reads and writes credentials below one directory.
type Cache struct {
	dir string
}

// Open resolves the cache directory: EnvConfigDir when set, otherwise
// ~/.secretd. The directory is created on first use.
func Open() (*Cache, error) {
	dir := strings.TrimSpace(os.Getenv(EnvConfigDir))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("tokencache: resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".secretd")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokencache: create %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// OpenDir opens a cache rooted at an explicit directory. Used by tests.
func OpenDir(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokencache: create %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// SaveToken seals token under the install key and writes it to the cache.
func (c *Cache) SaveToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("tokencache: refusing to store an empty token")
	}
	key, err := c.loadOrCreateKey()
	if err != nil {
		return err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("tokencache: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(token), &nonce, key)
	if err := os.WriteFile(filepath.Join(c.dir, tokenFile), sealed, 0o600); err != nil {
		return fmt.Errorf("tokencache: write token: %w", err)
	}
	return nil
}

// Token returns the credential: EnvToken when set, otherwise the unsealed
// cached token. Returns ErrNoToken when neither exists.
func (c *Cache) Token() (string, error) {
	if env := strings.TrimSpace(os.Getenv(EnvToken)); env != "" {
		return env, nil
	}
	sealed, err := os.ReadFile(filepath.Join(c.dir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("tokencache: read token: %w", err)
	}
	if len(sealed) <= nonceSize {
		return "", fmt.Errorf("tokencache: token file truncated")
	}
	key, err := c.loadKey()
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return "", fmt.Errorf("tokencache: token file does not match the install key")
	}
	return string(plain), nil
}

// Clear removes the cached token. The selection and install key stay.
func (c *Cache) Clear() error {
	err := os.Remove(filepath.Join(c.dir, tokenFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokencache: clear token: %w", err)
	}
	return nil
}

// SaveSelection persists the current project/environment choice.
func (c *Cache) SaveSelection(sel Selection) error {
	data, err := yaml.Marshal(sel)
	if err != nil {
		return fmt.Errorf("tokencache: encode selection: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, selectionFile), data, 0o600); err != nil {
		return fmt.Errorf("tokencache: write selection: %w", err)
	}
	return nil
}

// Selection returns the sticky choice with EnvProject/EnvEnvironment
// overrides applied. A missing file yields the zero Selection.
func (c *Cache) Selection() (Selection, error) {
	var sel Selection
	data, err := os.ReadFile(filepath.Join(c.dir, selectionFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &sel); err != nil {
			return Selection{}, fmt.Errorf("tokencache: decode selection: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return Selection{}, fmt.Errorf("tokencache: read selection: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv(EnvProject)); env != "" {
		sel.Project = env
	}
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		sel.Environment = env
	}
	return sel, nil
}

func (c *Cache) loadKey() (*[keySize]byte, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("tokencache: read install key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("tokencache: install key must be %d bytes, got %d", keySize, len(raw))
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

func (c *Cache) loadOrCreateKey() (*[keySize]byte, error) {
	path := filepath.Join(c.dir, keyFile)
	if _, err := os.Stat(path); err == nil {
		return c.loadKey()
	}
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("tokencache: generate install key: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("tokencache: write install key: %w", err)
	}
	return &key, nil
}
