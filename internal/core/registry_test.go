package core

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/storage/memory"
)

func TestIssueRejectsSecondToken(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	reg := NewRegistry(backend)

	token, err := reg.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a token")
	}
	if _, err := reg.Issue(ctx, "alice"); !errors.Is(err, ErrUserHasToken) {
		t.Fatalf("expected ErrUserHasToken, got %v", err)
	}

	res, err := backend.List(ctx, storage.ListOptions{Prefix: "tokens/"})
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(res.Objects) != 1 {
		t.Fatalf("expected exactly one token mapping, got %d", len(res.Objects))
	}
}

func TestResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(memory.New())

	token, err := reg.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user, err := reg.ResolveUser(ctx, token)
	if err != nil {
		t.Fatalf("resolve user: %v", err)
	}
	if user != "alice" {
		t.Fatalf("expected alice, got %q", user)
	}
	back, err := reg.ResolveToken(ctx, "alice")
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if back != token {
		t.Fatalf("expected %q, got %q", token, back)
	}
	if _, err := reg.ResolveToken(ctx, "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := reg.ResolveUser(ctx, "bogus"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected storage.ErrNotFound, got %v", err)
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(memory.New())

	token, err := reg.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	known, err := reg.Exists(ctx, token)
	if err != nil || !known {
		t.Fatalf("expected token to exist, got %v %v", known, err)
	}
	known, err = reg.Exists(ctx, "bogus")
	if err != nil || known {
		t.Fatalf("expected bogus token to be unknown, got %v %v", known, err)
	}
}
