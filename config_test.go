package secretd

import "testing"

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen defaulted to %q", cfg.Listen)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("listen proto defaulted to %q", cfg.ListenProto)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("store defaulted to %q", cfg.Store)
	}
	if cfg.JSONMaxBytes != DefaultJSONMaxBytes {
		t.Fatalf("json max bytes defaulted to %d", cfg.JSONMaxBytes)
	}
	if cfg.CommitRetryAttempts != DefaultCommitRetryAttempts {
		t.Fatalf("commit retry attempts defaulted to %d", cfg.CommitRetryAttempts)
	}
}

func TestConfigValidateRejectsBadProto(t *testing.T) {
	cfg := Config{ListenProto: "udp"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for udp listener")
	}
}

func TestConfigValidateRejectsProfilingWithoutMetrics(t *testing.T) {
	cfg := Config{EnableProfilingMetrics: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when profiling metrics lack a metrics listener")
	}
}

func TestOpenBackendSchemes(t *testing.T) {
	cfg := Config{Store: "mem://"}
	b, err := openBackend(cfg)
	if err != nil {
		t.Fatalf("mem backend: %v", err)
	}
	defer b.Close()

	cfg = Config{Store: "disk://" + t.TempDir()}
	b, err = openBackend(cfg)
	if err != nil {
		t.Fatalf("disk backend: %v", err)
	}
	defer b.Close()

	if _, err := openBackend(Config{Store: "s3://bucket"}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := openBackend(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for disk without path")
	}
}
