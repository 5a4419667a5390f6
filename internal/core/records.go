// Package core implements the secretd domain: the token registry, the
// session loader/unloader with optimistic-concurrency commits, and the
// procedure dispatcher. Everything here is transport-neutral; httpapi adapts
// it to HTTP.
package core

import "strings"

// Storage key layout. Tokens and memberships are flat presence records;
// project records carry the whole environment tree and are the unit of
// optimistic concurrency.
const (
	tokenPrefix   = "tokens/"
	projectPrefix = "projects/"
	jointPrefix   = "joints/"
)

type tokenRecord struct {
	UserID string `json:"user_id"`
}

type projectRecord struct {
	Name         string                       `json:"name"`
	Environments map[string]map[string]string `json:"environments"`
}

type jointRecord struct{}

func tokenKey(token string) string {
	return tokenPrefix + token
}

func projectKey(uuid string) string {
	return projectPrefix + uuid
}

func jointKey(token, uuid string) string {
	return jointPrefix + token + "/" + uuid
}

func jointScanPrefix(token string) string {
	return jointPrefix + token + "/"
}

// splitJointKey extracts (token, projectUUID) from a membership key.
func splitJointKey(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, jointPrefix)
	if !ok {
		return "", "", false
	}
	token, uuid, ok := strings.Cut(rest, "/")
	if !ok || token == "" || uuid == "" {
		return "", "", false
	}
	return token, uuid, true
}

func cloneEnvironments(src map[string]map[string]string) map[string]map[string]string {
	if src == nil {
		return map[string]map[string]string{}
	}
	out := make(map[string]map[string]string, len(src))
	for env, secrets := range src {
		cp := make(map[string]string, len(secrets))
		for k, v := range secrets {
			cp[k] = v
		}
		out[env] = cp
	}
	return out
}
