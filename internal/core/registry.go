package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/secretd/internal/storage"
)

// ErrUserHasToken is returned by Issue when the user already holds a live
// token.
var ErrUserHasToken = errors.New("user already has a token")

// ErrUserNotFound is returned by ResolveToken when no token maps to the user.
var ErrUserNotFound = errors.New("user not found")

// Registry maps bearer tokens to user identities. Token records are immutable
// once issued; revocation is deletion. Lookups by user scan the token prefix,
// which is documented O(n) and acceptable at the expected cardinality.
type Registry struct {
	backend storage.Backend
}

// NewRegistry returns a registry over backend.
func NewRegistry(backend storage.Backend) *Registry {
	return &Registry{backend: backend}
}

// Issue mints a new token for userID. It fails with ErrUserHasToken when a
// mapping for the user already exists.
func (r *Registry) Issue(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidArgs("user id must not be empty")
	}
	if _, err := r.ResolveToken(ctx, userID); err == nil {
		return "", ErrUserHasToken
	} else if !errors.Is(err, ErrUserNotFound) {
		return "", err
	}
	token := uuid.NewString()
	value, err := json.Marshal(tokenRecord{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("encode token record: %w", err)
	}
	if _, err := r.backend.Put(ctx, tokenKey(token), value, storage.PutOptions{IfNotExists: true}); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// ResolveUser returns the user identity behind token. storage.ErrNotFound
// means the token is unknown.
func (r *Registry) ResolveUser(ctx context.Context, token string) (string, error) {
	res, err := r.backend.Get(ctx, tokenKey(token))
	if err != nil {
		return "", err
	}
	var rec tokenRecord
	if err := json.Unmarshal(res.Value, &rec); err != nil {
		return "", fmt.Errorf("decode token record: %w", err)
	}
	return rec.UserID, nil
}

// ResolveToken returns the token held by userID, scanning the token prefix.
func (r *Registry) ResolveToken(ctx context.Context, userID string) (string, error) {
	startAfter := ""
	for {
		page, err := r.backend.List(ctx, storage.ListOptions{Prefix: tokenPrefix, StartAfter: startAfter})
		if err != nil {
			return "", fmt.Errorf("list tokens: %w", err)
		}
		for _, obj := range page.Objects {
			res, err := r.backend.Get(ctx, obj.Key)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			var rec tokenRecord
			if err := json.Unmarshal(res.Value, &rec); err != nil {
				continue
			}
			if rec.UserID == userID {
				return strings.TrimPrefix(obj.Key, tokenPrefix), nil
			}
		}
		if !page.Truncated {
			return "", ErrUserNotFound
		}
		startAfter = page.NextStartAfter
	}
}

// Exists reports whether token is registered.
func (r *Registry) Exists(ctx context.Context, token string) (bool, error) {
	_, err := r.ResolveUser(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
