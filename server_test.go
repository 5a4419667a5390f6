package secretd_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/secretd"
	"pkt.systems/secretd/client"
)

func TestServerEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ts := secretd.StartTestServer(t)
	cli := ts.Client

	token, err := cli.GenerateToken(ctx, "alice")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a token")
	}

	if err := cli.CreateProject(ctx, "acme"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	envs, err := cli.Environments(ctx, "acme")
	if err != nil {
		t.Fatalf("list environments: %v", err)
	}
	if len(envs) != 2 || envs[0] != "dev" || envs[1] != "prod" {
		t.Fatalf("expected seeded dev/prod environments, got %v", envs)
	}

	if err := cli.AddSecret(ctx, "acme", "dev", "DB_URL", "postgres://dev"); err != nil {
		t.Fatalf("add secret: %v", err)
	}
	if err := cli.UpdateSecret(ctx, "acme", "dev", "DB_URL", "postgres://dev2"); err != nil {
		t.Fatalf("update secret: %v", err)
	}
	secrets, err := cli.FetchSecrets(ctx, "acme", "dev")
	if err != nil {
		t.Fatalf("fetch secrets: %v", err)
	}
	if secrets["DB_URL"] != "postgres://dev2" {
		t.Fatalf("unexpected secrets: %v", secrets)
	}

	// Empty environments still fetch as an empty map.
	secrets, err = cli.FetchSecrets(ctx, "acme", "prod")
	if err != nil {
		t.Fatalf("fetch empty environment: %v", err)
	}
	if secrets == nil || len(secrets) != 0 {
		t.Fatalf("expected empty map, got %v", secrets)
	}
}

func TestServerBusinessFailuresAsCallErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ts := secretd.StartTestServer(t)
	cli := ts.Client
	if _, err := cli.GenerateToken(ctx, "bob"); err != nil {
		t.Fatalf("generate token: %v", err)
	}

	err := cli.AddSecret(ctx, "ghost", "dev", "K", "v")
	var callErr *client.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Procedure != "addSecret" {
		t.Fatalf("unexpected procedure %q", callErr.Procedure)
	}

	// A second token for the same user is refused.
	fresh, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer fresh.Close()
	if _, err := fresh.GenerateToken(ctx, "bob"); !errors.As(err, &callErr) {
		t.Fatalf("expected CallError for duplicate user, got %v", err)
	}
}

func TestServerRejectsUnknownToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ts := secretd.StartTestServer(t)
	cli, err := ts.NewClient(client.WithToken("no-such-token"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()

	_, err = cli.Projects(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 401 || apiErr.Code != "invalid_token" {
		t.Fatalf("unexpected error %v", apiErr)
	}
}

func TestServerSharesProjectsAcrossUsers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ts := secretd.StartTestServer(t)
	alice := ts.Client
	if _, err := alice.GenerateToken(ctx, "alice"); err != nil {
		t.Fatalf("alice token: %v", err)
	}
	bob, err := ts.NewClient()
	if err != nil {
		t.Fatalf("bob client: %v", err)
	}
	defer bob.Close()
	if _, err := bob.GenerateToken(ctx, "bob"); err != nil {
		t.Fatalf("bob token: %v", err)
	}

	if err := alice.CreateProject(ctx, "shared"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := alice.AddSecret(ctx, "shared", "dev", "KEY", "v1"); err != nil {
		t.Fatalf("add secret: %v", err)
	}
	if err := alice.InviteUser(ctx, "bob", "shared"); err != nil {
		t.Fatalf("invite: %v", err)
	}

	secrets, err := bob.FetchSecrets(ctx, "shared", "dev")
	if err != nil {
		t.Fatalf("bob fetch: %v", err)
	}
	if secrets["KEY"] != "v1" {
		t.Fatalf("bob sees %v", secrets)
	}
}

func TestServerDiskStoreSurvivesRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := "disk://" + filepath.Join(t.TempDir(), "data")

	ts, err := secretd.NewTestServer(ctx, secretd.WithTestStore(store))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	token, err := ts.Client.GenerateToken(ctx, "alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if err := ts.Client.CreateProject(ctx, "durable"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := ts.Client.AddSecret(ctx, "durable", "prod", "API_KEY", "shh"); err != nil {
		t.Fatalf("add secret: %v", err)
	}
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	ts = secretd.StartTestServer(t,
		secretd.WithTestStore(store),
		secretd.WithTestClientOptions(client.WithToken(token)),
	)
	secrets, err := ts.Client.FetchSecrets(ctx, "durable", "prod")
	if err != nil {
		t.Fatalf("fetch after restart: %v", err)
	}
	if secrets["API_KEY"] != "shh" {
		t.Fatalf("secret lost across restart: %v", secrets)
	}
}
