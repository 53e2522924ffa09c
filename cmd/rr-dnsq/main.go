package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-dnsq/internal/dns/common/log"
	"github.com/haukened/rr-dnsq/internal/dns/config"
	"github.com/haukened/rr-dnsq/internal/dns/gateways/transport"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-dnsq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries the configuration shared by every subcommand.
type app struct {
	cfg *config.AppConfig

	// flag overrides
	configPath string
	logLevel   string
	servers    []string
}

// newRootCmd builds the command tree. Configuration is loaded from defaults,
// an optional --config file and DNSQ_* environment variables before any
// subcommand runs; flags override all of them.
func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Query DNS servers over UDP and compute NSEC3 owner hashes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML, TOML or JSON config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringSliceVar(&a.servers, "server", nil, "upstream server ip:port (repeatable)")

	root.AddCommand(
		newQueryCmd(a),
		newNSEC3Cmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads configuration, applies flag overrides and configures logging.
func (a *app) load() error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if len(a.servers) > 0 {
		cfg.Servers = a.servers
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}

	log.Debug(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.LogLevel,
		"servers":   cfg.Servers,
	}, "configuration loaded")

	a.cfg = cfg
	return nil
}

// transportOptions maps configuration onto UDP stream options.
func transportOptions(cfg *config.AppConfig) transport.Options {
	return transport.Options{
		BindAttempts:   cfg.BindAttempts,
		PortMin:        cfg.PortMin,
		PortMax:        cfg.PortMax,
		AvoidPorts:     cfg.AvoidPorts,
		RecvBufferSize: cfg.RecvBufferSize,
		RebindDelay:    cfg.RebindDelay,
		PollInterval:   cfg.PollInterval,
		Logger:         log.GetLogger(),
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
			return nil
		},
	}
}
