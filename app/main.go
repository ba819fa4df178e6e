package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flonle/rediscope/app/rediscope"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rediscope",
		Short:        "Browse, edit and watch a Redis server over HTTP",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), watchCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		flags      rediscope.Config
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and pub/sub relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rediscope.LoadConfig(configPath, os.LookupEnv)
			if err != nil {
				return err
			}
			// Flags given explicitly win over the file and the environment.
			set := cmd.Flags().Changed
			if set("listen") {
				cfg.Listen = flags.Listen
			}
			if set("redis-addr") {
				cfg.Redis.Addr = flags.Redis.Addr
			}
			if set("redis-password") {
				cfg.Redis.Password = flags.Redis.Password
			}
			if set("redis-db") {
				cfg.Redis.DB = flags.Redis.DB
			}
			if set("log-level") {
				cfg.Log.Level = flags.Log.Level
			}
			if set("log-format") {
				cfg.Log.Format = flags.Log.Format
			}
			if set("static-dir") {
				cfg.StaticDir = flags.StaticDir
			}
			if set("trace-stdout") {
				cfg.TraceStdout = flags.TraceStdout
			}

			logger := rediscope.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, version)
			server, err := rediscope.MakeServer(context.Background(), cfg, logger, version)
			if err != nil {
				return err
			}
			return server.Start()
		},
	}

	defaults := rediscope.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&flags.Listen, "listen", defaults.Listen, "HTTP listen address")
	f.StringVar(&flags.Redis.Addr, "redis-addr", defaults.Redis.Addr, "Redis address as host:port")
	f.StringVar(&flags.Redis.Password, "redis-password", "", "Redis password")
	f.IntVar(&flags.Redis.DB, "redis-db", 0, "Redis database number")
	f.StringVar(&flags.Log.Level, "log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	f.StringVar(&flags.Log.Format, "log-format", defaults.Log.Format, "log format (json, text)")
	f.StringVar(&flags.StaticDir, "static-dir", "", "directory of a built front-end to serve at /")
	f.BoolVar(&flags.TraceStdout, "trace-stdout", false, "export trace spans as JSON to stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "rediscope", version)
		},
	}
}
