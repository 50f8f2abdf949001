// Package cmd provides the CLI commands for cellgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AlexKimmel/cellgate/internal/config"
)

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "cellgate",
	Short: "cellgate - GCRA rate-limiting gateway",
	Long: `cellgate is an HTTP gateway that admits or rejects requests per key
using the generic cell rate algorithm, then proxies admitted requests to
the configured upstreams.

Configuration:
  Config is read from ./config.yaml unless --config is given.
  Environment variables with the CELLGATE_ prefix override scalar values.
  Example: CELLGATE_SERVER_ADDR=:9090

Commands:
  serve       Run the gateway
  check       Simulate limiter decisions for a key
  hash-key    Generate an argon2id hash for an API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "config file")
}

func initConfig() {
	v = config.NewViper()
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("store.backend", serveCmd.Flags().Lookup("store"))
	_ = v.BindPFlag("observability.log_level", serveCmd.Flags().Lookup("log-level"))
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig() (*config.Root, error) {
	if v == nil {
		initConfig()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyOverrides(cfg, v); err != nil {
		return nil, fmt.Errorf("apply overrides: %w", err)
	}
	return cfg, nil
}
