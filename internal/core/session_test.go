package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/secretd/internal/storage"
)

// contendedBackend forces every conditional put on matching project keys to
// report a CAS conflict.
type contendedBackend struct {
	storage.Backend
	failPrefix string
}

func (b *contendedBackend) Put(ctx context.Context, key string, value []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if opts.ExpectedETag != "" && strings.HasPrefix(key, b.failPrefix) {
		return storage.ObjectInfo{}, storage.ErrCASMismatch
	}
	return b.Backend.Put(ctx, key, value, opts)
}

func TestConcurrentSessionsPreserveBothEdits(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	loader := NewLoader(backend, svc.Registry(), CommitPolicy{}, instantClock{}, nil)

	a, err := loader.Load(ctx, token)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := loader.Load(ctx, token)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	a.Projects[0].setSecret("dev", "FROM_A", "1")
	b.Projects[0].setSecret("dev", "FROM_B", "2")

	if err := loader.Unload(ctx, a); err != nil {
		t.Fatalf("unload a: %v", err)
	}
	if err := loader.Unload(ctx, b); err != nil {
		t.Fatalf("unload b: %v", err)
	}

	res := mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if res.Secrets["FROM_A"] != "1" || res.Secrets["FROM_B"] != "2" {
		t.Fatalf("lost update: %v", res.Secrets)
	}
}

func TestCommitRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	contended := &contendedBackend{Backend: backend, failPrefix: "projects/"}
	loader := NewLoader(contended, svc.Registry(), CommitPolicy{Attempts: 3}, instantClock{}, nil)

	s, err := loader.Load(ctx, token)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s.Projects[0].setSecret("dev", "K", "v")

	err = loader.Unload(ctx, s)
	var f Failure
	if !errors.As(err, &f) || f.Code != CodePersistenceExhausted {
		t.Fatalf("expected persistence_exhausted, got %v", err)
	}
}

func TestProjectCommitsAreIndependent(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")
	mustCall(t, svc, token, "createProject", "umbrella")

	clean, err := NewLoader(backend, svc.Registry(), CommitPolicy{}, instantClock{}, nil).Load(ctx, token)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var contendedUUID string
	for _, p := range clean.Projects {
		if p.Name == "acme" {
			contendedUUID = p.UUID
		}
		p.setSecret("dev", "K", p.Name)
	}

	contended := &contendedBackend{Backend: backend, failPrefix: "projects/" + contendedUUID}
	loader := NewLoader(contended, svc.Registry(), CommitPolicy{Attempts: 2}, instantClock{}, nil)
	if err := loader.Unload(ctx, clean); err == nil {
		t.Fatalf("expected failure for the contended project")
	}

	res := mustCall(t, svc, token, "fetchSecrets", "umbrella", "dev")
	if res.Secrets["K"] != "umbrella" {
		t.Fatalf("independent project must commit, got %v", res.Secrets)
	}
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if _, exists := res.Secrets["K"]; exists {
		t.Fatalf("contended project must not commit, got %v", res.Secrets)
	}
}

func TestLoadSkipsStaleMemberships(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	// Simulate a membership marker whose project record vanished.
	if _, err := backend.Put(ctx, "joints/"+token+"/deadbeef", []byte("{}"), storage.PutOptions{}); err != nil {
		t.Fatalf("put stale joint: %v", err)
	}
	s, err := NewLoader(backend, svc.Registry(), CommitPolicy{}, instantClock{}, nil).Load(ctx, token)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.Projects) != 1 || s.Projects[0].Name != "acme" {
		t.Fatalf("expected only acme, got %+v", s.Projects)
	}
}
