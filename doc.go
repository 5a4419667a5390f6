// Package secretd exposes the Go APIs behind the single-binary secrets
// service that keeps per-user projects, named environments, and key/value
// secrets behind bearer tokens. The server is designed to run cleanly as
// PID 1, but the package also makes it easy to embed the server in tests or
// talk to secretd from Go clients.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen`.
//
//	cfg := secretd.Config{
//	    Store:  "disk:///var/lib/secretd",
//	    Listen: ":9641",
//	}
//	srv, err := secretd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("secretd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("secretd shutdown: %v", err)
//	    }
//	}()
//
// Every interaction with the service is one named procedure posted to
// /v1/call with positional string arguments. The client package wraps the
// call surface in typed helpers:
//
//	cli, err := client.New("http://127.0.0.1:9641")
//	if err != nil { log.Fatal(err) }
//	token, err := cli.GenerateToken(ctx, "alice")
//	if err != nil { log.Fatal(err) }
//	err = cli.AddSecret(ctx, "acme", "dev", "DB_URL", "postgres://dev")
//
// # Storage
//
// `Config.Store` selects the backend by URL scheme: `mem://` keeps
// everything in process memory and `disk://<path>` persists each record as a
// fsync-able JSON file. Both enforce compare-and-swap on write, which the
// session layer uses to merge concurrent commits without losing updates.
//
// # Testing
//
// StartTestServer boots a full server on an ephemeral port with an in-memory
// store and a ready-made client, and tears everything down via t.Cleanup:
//
//	ts := secretd.StartTestServer(t)
//	token, err := ts.Client.GenerateToken(ctx, "alice")
package secretd
