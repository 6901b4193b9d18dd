package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loykin/devsession"
	"github.com/loykin/devsession/internal/config"
)

// defaultConfigPath is read when present; an explicit --config must exist.
const defaultConfigPath = "devsession.toml"

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	devFlags := &DevFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createDevCommand(globalFlags, devFlags),
		createValidateCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devsession",
		Short: "Local development sessions against remote backends",
		Long: `devsession builds your service image, pushes it, and proxies spawn
requests from local tooling to the control plane. Backends spawned during
the session are streamed to the terminal and terminated on exit.

Examples:
  devsession dev --config=devsession.toml
  devsession dev --watch --listen=127.0.0.1:7171
  devsession validate --config=devsession.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", defaultConfigPath, "path to TOML config file")
	return root
}

func createDevCommand(globalFlags *GlobalFlags, flags *DevFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start an interactive development session",
		Long: `Start an interactive development session.

Keys:
  t        terminate all backends
  r        rebuild and push the image
  ctrl-c   exit (terminates every backend first)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd.Flags())
			if err != nil {
				return err
			}
			return devsession.Run(cmd.Context(), cfg, devsession.IO{In: cmd.InOrStdin(), Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()})
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "spawn proxy listen address")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "rebuild when source files change")
	cmd.Flags().BoolVar(&flags.Metrics, "metrics", false, "serve /metrics and /backends")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "inspect endpoint listen address")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the resolved session target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath, cmd.Flags())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

// loadConfig reads path, applies flags that were set, and validates the result.
func loadConfig(path string, flags *pflag.FlagSet) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	v, err := config.New(path)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	_, _ = fmt.Fprintf(w, "account:  %s\n", cfg.Account)
	_, _ = fmt.Fprintf(w, "service:  %s\n", cfg.Service)
	_, _ = fmt.Fprintf(w, "api:      %s\n", cfg.APIURL)
	_, _ = fmt.Fprintf(w, "image:    %s/%s/%s\n", cfg.Registry, cfg.Account, cfg.Service)
	_, _ = fmt.Fprintf(w, "build:    %s (%s)\n", cfg.Build.ContextDir, cfg.Build.Dockerfile)
	_, _ = fmt.Fprintf(w, "proxy:    http://%s/user/%s/service/%s/spawn\n", cfg.Proxy.Listen, cfg.Account, cfg.Service)
	if cfg.Watch.Enabled {
		_, _ = fmt.Fprintf(w, "watch:    %v (debounce %s)\n", cfg.WatchPaths(), cfg.Watch.Debounce)
	}
	if cfg.Metrics.Enabled {
		_, _ = fmt.Fprintf(w, "metrics:  http://%s/metrics\n", cfg.Metrics.Listen)
	}
	if cfg.History.Enabled {
		_, _ = fmt.Fprintf(w, "history:  %d sink(s)\n", len(cfg.History.DSNs))
	}
}
