package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/docsync/internal/config"
	"github.com/agentworkforce/docsync/internal/docbroker"
	"github.com/agentworkforce/docsync/internal/lease"
	"github.com/agentworkforce/docsync/internal/wopi"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
	Verbose    bool

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Keep documents in sync with a WOPI storage host",
		Long: `docsync opens documents on a WOPI storage host, stores local edits back
with version checks, and reports conflicts and lost edits.

Settings come from the --config YAML file, then DOCSYNC_* environment
variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("DOCSYNC_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log storage calls")

	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newEditCommand(opts))
	cmd.AddCommand(newSaveAsCommand(opts))
	return cmd
}

// logger returns nil unless --verbose is set, so the packages stay quiet.
func (o *rootOptions) logger() *log.Logger {
	if !o.Verbose {
		return nil
	}
	return log.Default()
}

func (o *rootOptions) client() wopi.Client {
	var logger wopi.Logger
	if l := o.logger(); l != nil {
		logger = l
	}
	return wopi.NewHTTPClient(o.cfg.ClientOptions(logger))
}

func (o *rootOptions) leases() (lease.Manager, func(), error) {
	if o.cfg.RedisAddr == "" {
		return lease.NewInMemoryManager(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: o.cfg.RedisAddr})
	manager, err := lease.NewRedisManager(client, o.cfg.LeasePrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return manager, func() { _ = client.Close() }, nil
}

func (o *rootOptions) brokerLogger() docbroker.Logger {
	if l := o.logger(); l != nil {
		return l
	}
	return nil
}
