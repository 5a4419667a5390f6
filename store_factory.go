package secretd

import (
	"fmt"
	"strings"

	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/storage/disk"
	"pkt.systems/secretd/internal/storage/memory"
)

// openBackend opens the storage backend named by the Store DSN.
//
//	mem://            volatile in-memory store
//	disk:///var/lib/secretd   one envelope file per key under the path
func openBackend(cfg Config) (storage.Backend, error) {
	dsn := strings.TrimSpace(cfg.Store)
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("config: store %q is not a DSN (expected scheme://...)", dsn)
	}
	switch strings.ToLower(scheme) {
	case "mem":
		return memory.New(), nil
	case "disk":
		if rest == "" {
			return nil, fmt.Errorf("config: disk store requires a path, e.g. disk:///var/lib/secretd")
		}
		return disk.New(disk.Config{Root: rest, SyncWrites: cfg.DiskSyncWrites})
	default:
		return nil, fmt.Errorf("config: unsupported store scheme %q (supported: mem, disk)", scheme)
	}
}
