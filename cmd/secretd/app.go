package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/secretd"
	"pkt.systems/secretd/internal/svcfields"
)

// exitCodeError carries a wrapped command's exit status through cobra.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SECRETD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "secretd")
	cmd := newRootCommand(baseLogger)
	serverInvocation := len(os.Args) <= 1 || !isSubcommandToken(cmd, os.Args[1])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err == context.Canceled {
			return 0
		}
		var exit *exitCodeError
		if errors.As(err, &exit) {
			return exit.code
		}
		if serverInvocation {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	if strings.HasPrefix(token, "-") {
		return false
	}
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := secretd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, secretd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg secretd.Config

	cmd := &cobra.Command{
		Use:           "secretd",
		Short:         "secretd is a single-binary secrets service with per-user projects, named environments, and a companion CLI",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  secretd --store mem://

  # Durable disk backend rooted at /var/lib/secretd
  secretd --store disk:///var/lib/secretd --disk-sync

  # With a Prometheus scrape endpoint and OTLP traces
  secretd --store disk:///var/lib/secretd --metrics-listen :9642 --otlp-endpoint grpc://collector:4317

  # Client side: log in once, then work against the selected project
  secretd login alice
  secretd project create acme
  secretd select acme dev
  secretd add DB_URL postgres://dev
  secretd run -- ./app
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to secretd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := secretd.NewServer(cfg, secretd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.secretd/"+secretd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", secretd.DefaultListen, "listen address")
	flags.String("listen-proto", secretd.DefaultListenProto, "listen network (tcp or unix)")
	flags.String("store", secretd.DefaultStore, "storage backend URL (mem:// or disk:///path)")
	flags.Bool("disk-sync", false, "fsync disk-store writes (slower, crash-durable)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable per-request trace spans on the API listener")
	flags.String("json-max", humanizeBytes(secretd.DefaultJSONMaxBytes), "maximum JSON payload size")
	flags.StringSlice("seed-environments", secretd.DefaultSeedEnvironments, "environments created with every new project")
	flags.Int("commit-retry-attempts", secretd.DefaultCommitRetryAttempts, "maximum optimistic commit attempts per project")
	flags.Duration("commit-retry-base-delay", secretd.DefaultCommitRetryBaseDelay, "initial backoff between contended commit attempts")
	flags.Duration("commit-retry-max-delay", secretd.DefaultCommitRetryMaxDelay, "maximum backoff between contended commit attempts")
	flags.Float64("commit-retry-multiplier", secretd.DefaultCommitRetryMultiplier, "backoff multiplier between contended commit attempts")
	flags.Int("storage-retry-attempts", secretd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", secretd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", secretd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", secretd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("SECRETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "store", "disk-sync",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "disable-http-tracing",
		"json-max", "seed-environments",
		"commit-retry-attempts", "commit-retry-base-delay", "commit-retry-max-delay", "commit-retry-multiplier",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	clientCfg := addClientFlags(cmd)

	cmd.AddCommand(newLoginCommand(clientCfg))
	cmd.AddCommand(newLogoutCommand())
	cmd.AddCommand(newWhoamiCommand(clientCfg))
	cmd.AddCommand(newProjectCommand(clientCfg))
	cmd.AddCommand(newInviteCommand(clientCfg))
	cmd.AddCommand(newEnvCommand(clientCfg))
	cmd.AddCommand(newSelectCommand(clientCfg))
	cmd.AddCommand(newAddCommand(clientCfg))
	cmd.AddCommand(newUpdateCommand(clientCfg))
	cmd.AddCommand(newRemoveCommand(clientCfg))
	cmd.AddCommand(newFetchCommand(clientCfg))
	cmd.AddCommand(newRunCommand(clientCfg))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *secretd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.DiskSyncWrites = viper.GetBool("disk-sync")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	if viper.IsSet("seed-environments") {
		cfg.SeedEnvironments = viper.GetStringSlice("seed-environments")
	}
	cfg.CommitRetryAttempts = viper.GetInt("commit-retry-attempts")
	cfg.CommitRetryBaseDelay = viper.GetDuration("commit-retry-base-delay")
	cfg.CommitRetryMaxDelay = viper.GetDuration("commit-retry-max-delay")
	cfg.CommitRetryMultiplier = viper.GetFloat64("commit-retry-multiplier")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
