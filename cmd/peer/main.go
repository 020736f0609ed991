package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"peercam/internal/core/domain"
	"peercam/pkg/config"
	"peercam/pkg/utils"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	id         string
	mode       string
	bus        string
	httpAddr   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "peer",
		Short:         "peercam camera and viewer peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "configs/peercam.yaml", "path to the YAML configuration file")
	flags.StringVar(&opts.id, "id", "", "peer id (generated when empty)")
	flags.StringVar(&opts.mode, "mode", "", "discovery mode: presence or announce")
	flags.StringVar(&opts.bus, "bus", "", "signaling bus: websocket, redis, mqtt or memory")
	flags.StringVar(&opts.httpAddr, "http", "", "status API listen address")

	root.AddCommand(newSourceCommand(opts), newViewerCommand(opts))
	return root
}

// load reads the configuration and applies command line overrides for role.
func (o *rootOptions) load(role domain.NodeRole) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Node.Role = string(role)
	if id := utils.SanitizeString(o.id); id != "" {
		cfg.Node.ID = id
	}
	if o.mode != "" {
		cfg.Discovery.Mode = o.mode
	}
	if o.bus != "" {
		cfg.Bus.Type = o.bus
	}
	if o.httpAddr != "" {
		cfg.Server.Address = o.httpAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
