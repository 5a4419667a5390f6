package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/secretd/internal/storage"
)

func TestPutGetCAS(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.Put(ctx, "projects/alpha", []byte(`{"name":"alpha"}`), storage.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("put create: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("expected etag, got %+v", info)
	}
	if _, err := store.Put(ctx, "projects/alpha", nil, storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create-only, got %v", err)
	}

	res, err := store.Get(ctx, "projects/alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Info.ETag != info.ETag {
		t.Fatalf("etag mismatch: %s vs %s", res.Info.ETag, info.ETag)
	}

	if _, err := store.Put(ctx, "projects/alpha", []byte(`{"name":"beta"}`), storage.PutOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.Put(ctx, "projects/alpha", []byte(`{"name":"beta"}`), storage.PutOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("put cas: %v", err)
	}
	if _, err := store.Get(ctx, "projects/missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteCAS(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.Put(ctx, "tokens/t1", []byte(`{"user_id":"alice"}`), storage.PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "tokens/t1", storage.DeleteOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.Delete(ctx, "tokens/t1", storage.DeleteOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "tokens/t1", storage.DeleteOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(ctx, "tokens/t1", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignore-not-found: %v", err)
	}
}

func TestListPrefixAndStartAfter(t *testing.T) {
	store := New()
	ctx := context.Background()
	keys := []string{
		"joints/t1/p1",
		"joints/t1/p2",
		"joints/t2/p1",
		"projects/p1",
		"projects/p2",
	}
	for _, key := range keys {
		if _, err := store.Put(ctx, key, []byte("{}"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	res, err := store.List(ctx, storage.ListOptions{Prefix: "joints/t1/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(res.Objects))
	}
	if res.Objects[0].Key != "joints/t1/p1" || res.Objects[1].Key != "joints/t1/p2" {
		t.Fatalf("unexpected order: %+v", res.Objects)
	}

	res, err = store.List(ctx, storage.ListOptions{Prefix: "joints/t1/", StartAfter: "joints/t1/p1"})
	if err != nil {
		t.Fatalf("list start-after: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "joints/t1/p2" {
		t.Fatalf("unexpected resume result: %+v", res.Objects)
	}

	res, err = store.List(ctx, storage.ListOptions{Prefix: "joints/", Limit: 2})
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(res.Objects) != 2 || !res.Truncated || res.NextStartAfter != "joints/t1/p2" {
		t.Fatalf("unexpected truncation: %+v", res)
	}
}
