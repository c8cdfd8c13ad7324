package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Galeaf11/sdk/config"
)

var (
	configPath  string
	apiAddr     string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "market",
	Short: "Coordination layer of a peer-to-peer marketplace",
	Long: `market runs one participant of the marketplace overlay.

  server  relays and caches requests, replays them to connecting peers
  node    a supplier answering requests with signed offers
  client  a buyer publishing requests and collecting offers`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "gRPC api listen address, overrides the config")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "prometheus listen address, overrides the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config")

	rootCmd.AddCommand(serverCmd, nodeCmd, clientCmd, pingCmd)
}

//loadConfig applies the flags over the config file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiAddr != "" {
		cfg.API.Addr = apiAddr
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
