package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/secretd/client"
	"pkt.systems/secretd/internal/tokencache"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"
)

// clientCLIConfig resolves the server URL and timeout shared by all client
// subcommands.
type clientCLIConfig struct{}

func addClientFlags(cmd *cobra.Command) *clientCLIConfig {
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", "http://127.0.0.1:9641", "secretd server base URL")
	flags.Duration("timeout", 30*time.Second, "HTTP client timeout")
	mustBindFlag(clientServerKey, "SECRETD_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "SECRETD_TIMEOUT", flags.Lookup("timeout"))
	return &clientCLIConfig{}
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func (c *clientCLIConfig) serverURL() string {
	return viper.GetString(clientServerKey)
}

func (c *clientCLIConfig) timeout() time.Duration {
	return viper.GetDuration(clientTimeoutKey)
}

// newAnonymousClient builds a client without a credential, for login and
// user checks.
func (c *clientCLIConfig) newAnonymousClient() (*client.Client, error) {
	return client.New(c.serverURL(), client.WithTimeout(c.timeout()))
}

// newClient builds a client carrying the cached (or env-supplied) token.
func (c *clientCLIConfig) newClient() (*client.Client, *tokencache.Cache, error) {
	cache, err := tokencache.Open()
	if err != nil {
		return nil, nil, err
	}
	token, err := cache.Token()
	if err != nil {
		return nil, nil, err
	}
	cli, err := client.New(c.serverURL(),
		client.WithToken(token),
		client.WithTimeout(c.timeout()),
	)
	if err != nil {
		return nil, nil, err
	}
	return cli, cache, nil
}

// selection resolves the sticky project/environment, requiring both.
func requireSelection(cache *tokencache.Cache) (tokencache.Selection, error) {
	sel, err := cache.Selection()
	if err != nil {
		return tokencache.Selection{}, err
	}
	if sel.Project == "" || sel.Environment == "" {
		return tokencache.Selection{}, fmt.Errorf("no project/environment selected: run %s first", color.YellowString("secretd select <project> <env>"))
	}
	return sel, nil
}

func printOK(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓")+" "+fmt.Sprintf(format, args...))
}

func printHint(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), color.CyanString("→")+" "+fmt.Sprintf(format, args...))
}
