package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/secretd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage secretd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective server configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			var cfg secretd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			effective := configDefaults{
				Listen:                 cfg.Listen,
				ListenProto:            cfg.ListenProto,
				Store:                  cfg.Store,
				DiskSync:               cfg.DiskSyncWrites,
				MetricsListen:          cfg.MetricsListen,
				PprofListen:            cfg.PprofListen,
				EnableProfilingMetrics: cfg.EnableProfilingMetrics,
				OTLPEndpoint:           cfg.OTLPEndpoint,
				DisableHTTPTracing:     cfg.DisableHTTPTracing,
				JSONMax:                humanizeBytes(cfg.JSONMaxBytes),
				SeedEnvironments:       cfg.SeedEnvironments,
				CommitRetryAttempts:    cfg.CommitRetryAttempts,
				CommitRetryBaseDelay:   cfg.CommitRetryBaseDelay.String(),
				CommitRetryMaxDelay:    cfg.CommitRetryMaxDelay.String(),
				CommitRetryMultiplier:  cfg.CommitRetryMultiplier,
				StorageRetryAttempts:   cfg.StorageRetryMaxAttempts,
				StorageRetryBaseDelay:  cfg.StorageRetryBaseDelay.String(),
				StorageRetryMaxDelay:   cfg.StorageRetryMaxDelay.String(),
				StorageRetryMultiplier: cfg.StorageRetryMultiplier,
				LogLevel:               viperLogLevel(),
			}
			data, err := yaml.Marshal(effective)
			if err != nil {
				return err
			}
			if configFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", configFile)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.secretd/config.yaml"
	if dir, err := secretd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, secretd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default secretd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := secretd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, secretd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	Store                  string   `yaml:"store"`
	DiskSync               bool     `yaml:"disk-sync"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	DisableHTTPTracing     bool     `yaml:"disable-http-tracing"`
	JSONMax                string   `yaml:"json-max"`
	SeedEnvironments       []string `yaml:"seed-environments"`
	CommitRetryAttempts    int      `yaml:"commit-retry-attempts"`
	CommitRetryBaseDelay   string   `yaml:"commit-retry-base-delay"`
	CommitRetryMaxDelay    string   `yaml:"commit-retry-max-delay"`
	CommitRetryMultiplier  float64  `yaml:"commit-retry-multiplier"`
	StorageRetryAttempts   int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64  `yaml:"storage-retry-multiplier"`
	LogLevel               string   `yaml:"log-level"`
}

func viperLogLevel() string {
	if level := viper.GetString("log-level"); level != "" {
		return level
	}
	return "info"
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                 secretd.DefaultListen,
		ListenProto:            secretd.DefaultListenProto,
		Store:                  secretd.DefaultStore,
		JSONMax:                humanizeBytes(secretd.DefaultJSONMaxBytes),
		SeedEnvironments:       secretd.DefaultSeedEnvironments,
		CommitRetryAttempts:    secretd.DefaultCommitRetryAttempts,
		CommitRetryBaseDelay:   secretd.DefaultCommitRetryBaseDelay.String(),
		CommitRetryMaxDelay:    secretd.DefaultCommitRetryMaxDelay.String(),
		CommitRetryMultiplier:  secretd.DefaultCommitRetryMultiplier,
		StorageRetryAttempts:   secretd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  secretd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   secretd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: secretd.DefaultStorageRetryMultiplier,
		LogLevel:               "info",
	}
	return yaml.Marshal(defaults)
}
