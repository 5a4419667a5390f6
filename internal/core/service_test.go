package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/storage/memory"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0) }

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (instantClock) Sleep(time.Duration) {}

func newTestService(t *testing.T) (*Service, storage.Backend) {
	t.Helper()
	backend := memory.New()
	svc := NewService(backend, CommitPolicy{}, instantClock{}, nil)
	return svc, backend
}

func mustCall(t *testing.T, svc *Service, token, name string, args ...string) Result {
	t.Helper()
	res, err := svc.Call(context.Background(), token, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func login(t *testing.T, svc *Service, user string) string {
	t.Helper()
	res := mustCall(t, svc, "", "generateToken", user)
	if !res.Success || res.Token == "" {
		t.Fatalf("generateToken failed: %+v", res)
	}
	return res.Token
}

func TestGenerateTokenConflict(t *testing.T) {
	svc, _ := newTestService(t)
	login(t, svc, "alice")
	res := mustCall(t, svc, "", "generateToken", "alice")
	if res.Success {
		t.Fatalf("second issuance must fail: %+v", res)
	}
}

func TestAcmeScenario(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")

	mustCall(t, svc, token, "createProject", "acme")
	res := mustCall(t, svc, token, "createEnvironment", "acme", "staging")
	if !res.Success {
		t.Fatalf("createEnvironment: %+v", res)
	}
	res = mustCall(t, svc, token, "addSecret", "acme", "staging", "API_KEY", "xyz")
	if !res.Success {
		t.Fatalf("addSecret: %+v", res)
	}
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "staging")
	if !res.Success {
		t.Fatalf("fetchSecrets: %+v", res)
	}
	if res.Secrets["API_KEY"] != "xyz" {
		t.Fatalf("expected API_KEY=xyz, got %v", res.Secrets)
	}

	res = mustCall(t, svc, token, "listEnvironments", "acme")
	want := []string{"dev", "prod", "staging"}
	if len(res.Environments) != len(want) {
		t.Fatalf("expected %v, got %v", want, res.Environments)
	}
	for i, env := range want {
		if res.Environments[i] != env {
			t.Fatalf("expected %v, got %v", want, res.Environments)
		}
	}
}

func TestFetchSecretsEmptyEnvironment(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")

	mustCall(t, svc, token, "createProject", "acme")
	mustCall(t, svc, token, "createEnvironment", "acme", "staging")
	res := mustCall(t, svc, token, "fetchSecrets", "acme", "staging")
	if !res.Success {
		t.Fatalf("fetch of an empty environment must succeed: %+v", res)
	}
	if len(res.Secrets) != 0 || res.Secrets == nil {
		t.Fatalf("expected empty non-nil map, got %v", res.Secrets)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	mustCall(t, svc, token, "addSecret", "acme", "dev", "DB_URL", "v1")
	res := mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if res.Secrets["DB_URL"] != "v1" {
		t.Fatalf("after add: %v", res.Secrets)
	}

	dup := mustCall(t, svc, token, "addSecret", "acme", "dev", "DB_URL", "v2")
	if dup.Success {
		t.Fatalf("duplicate add must fail: %+v", dup)
	}
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if res.Secrets["DB_URL"] != "v1" {
		t.Fatalf("duplicate add must not overwrite, got %v", res.Secrets)
	}

	mustCall(t, svc, token, "updateSecret", "acme", "dev", "DB_URL", "v2")
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if res.Secrets["DB_URL"] != "v2" {
		t.Fatalf("after update: %v", res.Secrets)
	}

	missing := mustCall(t, svc, token, "updateSecret", "acme", "dev", "NOPE", "v")
	if missing.Success {
		t.Fatalf("update of absent secret must fail: %+v", missing)
	}

	mustCall(t, svc, token, "deleteSecret", "acme", "dev", "DB_URL")
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "dev")
	if _, exists := res.Secrets["DB_URL"]; exists {
		t.Fatalf("after delete: %v", res.Secrets)
	}
}

func TestDeleteProjectRemovesMemberships(t *testing.T) {
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")
	mustCall(t, svc, token, "createEnvironment", "acme", "staging")

	res := mustCall(t, svc, token, "deleteProject", "acme")
	if !res.Success {
		t.Fatalf("deleteProject: %+v", res)
	}
	res = mustCall(t, svc, token, "fetchSecrets", "acme", "staging")
	if res.Success {
		t.Fatalf("fetch after delete must fail: %+v", res)
	}

	joints, err := backend.List(context.Background(), storage.ListOptions{Prefix: "joints/" + token + "/"})
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(joints.Objects) != 0 {
		t.Fatalf("expected no memberships after project delete, got %d", len(joints.Objects))
	}
	projects, err := backend.List(context.Background(), storage.ListOptions{Prefix: "projects/"})
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects.Objects) != 0 {
		t.Fatalf("expected no project records, got %d", len(projects.Objects))
	}
}

func TestRenameProject(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")
	mustCall(t, svc, token, "createProject", "umbrella")

	res := mustCall(t, svc, token, "renameProject", "acme", "umbrella")
	if res.Success {
		t.Fatalf("rename onto an existing name must fail: %+v", res)
	}
	res = mustCall(t, svc, token, "renameProject", "acme", "initech")
	if !res.Success {
		t.Fatalf("rename: %+v", res)
	}
	res = mustCall(t, svc, token, "listProjects")
	if len(res.Projects) != 2 {
		t.Fatalf("expected 2 projects, got %v", res.Projects)
	}
	for _, name := range res.Projects {
		if name == "acme" {
			t.Fatalf("old name still visible: %v", res.Projects)
		}
	}
}

func TestInviteUnknownUserWritesNothing(t *testing.T) {
	svc, backend := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	before, err := backend.List(context.Background(), storage.ListOptions{Prefix: "joints/"})
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	res := mustCall(t, svc, token, "inviteUserToProject", "bob", "acme")
	if res.Success {
		t.Fatalf("invite of an unknown user must fail: %+v", res)
	}
	after, err := backend.List(context.Background(), storage.ListOptions{Prefix: "joints/"})
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(after.Objects) != len(before.Objects) {
		t.Fatalf("failed invite must not create memberships: %d -> %d", len(before.Objects), len(after.Objects))
	}
}

func TestInviteSharesProject(t *testing.T) {
	svc, _ := newTestService(t)
	alice := login(t, svc, "alice")
	bob := login(t, svc, "bob")
	mustCall(t, svc, alice, "createProject", "acme")

	found := mustCall(t, svc, alice, "checkUserExists", "bob")
	if found.Found == nil || !*found.Found {
		t.Fatalf("bob must exist: %+v", found)
	}

	res := mustCall(t, svc, alice, "inviteUserToProject", "bob", "acme")
	if !res.Success {
		t.Fatalf("invite: %+v", res)
	}
	res = mustCall(t, svc, bob, "listProjects")
	if len(res.Projects) != 1 || res.Projects[0] != "acme" {
		t.Fatalf("bob must see acme, got %v", res.Projects)
	}

	dup := mustCall(t, svc, alice, "inviteUserToProject", "bob", "acme")
	if dup.Success {
		t.Fatalf("duplicate invite must fail: %+v", dup)
	}
}

func TestTokenNeverEchoed(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")
	mustCall(t, svc, token, "createProject", "acme")

	calls := [][]string{
		{"createEnvironment", "acme", "staging"},
		{"addSecret", "acme", "staging", "K", "v"},
		{"fetchSecrets", "acme", "staging"},
		{"listProjects"},
		{"listEnvironments", "acme"},
		{"checkUserExists", "alice"},
		{"renameProject", "acme", "initech"},
	}
	for _, call := range calls {
		res := mustCall(t, svc, token, call[0], call[1:]...)
		if res.Token != "" {
			t.Fatalf("%s leaked a token", call[0])
		}
	}
}

func TestGenerateTokenWithActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	token := login(t, svc, "alice")

	_, err := svc.Call(context.Background(), token, "generateToken", []string{"mallory"})
	var f Failure
	if !errors.As(err, &f) || f.Code != CodeTokenGuard {
		t.Fatalf("expected token_guard failure, got %v", err)
	}
}

func TestAnonymousSessionsDoNotPersist(t *testing.T) {
	svc, backend := newTestService(t)

	res := mustCall(t, svc, "", "createProject", "ghost")
	if !res.Success {
		t.Fatalf("createProject: %+v", res)
	}
	projects, err := backend.List(context.Background(), storage.ListOptions{Prefix: "projects/"})
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects.Objects) != 0 {
		t.Fatalf("anonymous session must not persist, got %d records", len(projects.Objects))
	}
}

func TestInvalidTokenAndDispatchErrors(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Call(context.Background(), "bogus", "listProjects", nil)
	var f Failure
	if !errors.As(err, &f) || f.Code != CodeInvalidToken {
		t.Fatalf("expected invalid_token, got %v", err)
	}

	_, err = svc.Call(context.Background(), "", "launchMissiles", nil)
	if !errors.As(err, &f) || f.Code != CodeUnknownProcedure {
		t.Fatalf("expected unknown_procedure, got %v", err)
	}

	_, err = svc.Call(context.Background(), "", "generateToken", []string{"a", "b"})
	if !errors.As(err, &f) || f.Code != CodeInvalidArgs {
		t.Fatalf("expected invalid_args, got %v", err)
	}
}
