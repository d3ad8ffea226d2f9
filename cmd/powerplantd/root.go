package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/powerplant"
	"github.com/danmuck/powerplant/internal/reactors"
	_ "github.com/danmuck/powerplant/internal/reactors/peerlog"
	_ "github.com/danmuck/powerplant/internal/reactors/pulse"
	"github.com/danmuck/powerplant/internal/status"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath  string
	name        string
	workers     int
	statusAddr  string
	statusToken string
	network     bool
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "powerplantd",
		Short:         "Reactive dispatch daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newReactorsCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plant until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.name, "name", "", "plant name (overrides config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "pool worker count (overrides config)")
	cmd.Flags().StringVar(&opts.statusAddr, "status-addr", "", "status HTTP listen address, empty string disables")
	cmd.Flags().StringVar(&opts.statusToken, "status-token", "", "bearer token required on /peers and /stats")
	cmd.Flags().BoolVar(&opts.network, "network", false, "enable multicast discovery and data routing")
	return cmd
}

func newReactorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reactors",
		Short: "List reactors that can be enabled from config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range reactors.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func resolveConfig(cmd *cobra.Command, opts *runOptions) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if opts.configPath != "" {
		loaded, err := loadDaemonConfig(opts.configPath)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Plant.Name = opts.name
	}
	if flags.Changed("workers") {
		cfg.Plant.Workers = opts.workers
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if flags.Changed("status-token") {
		cfg.StatusToken = opts.statusToken
	}
	if flags.Changed("network") {
		cfg.Plant.NetworkEnabled = opts.network
	}
	cfg.Plant.Args = os.Args
	return cfg, nil
}

func run(ctx context.Context, cfg daemonConfig) error {
	log := logging.Component("powerplantd")

	plant, err := powerplant.New(cfg.Plant)
	if err != nil {
		return err
	}
	built, err := reactors.Build(cfg.Reactors)
	if err != nil {
		return err
	}
	for _, r := range built {
		if err := plant.Install(r); err != nil {
			return err
		}
	}

	statusCtx, cancelStatus := context.WithCancel(context.Background())
	statusDone := make(chan error, 1)
	if cfg.StatusAddr != "" {
		srv := status.New(status.Config{Addr: cfg.StatusAddr, CORSOrigins: cfg.CORSOrigins, Token: cfg.StatusToken}, plant)
		go func() { statusDone <- srv.Serve(statusCtx) }()
	} else {
		statusDone <- nil
	}

	log.Info().
		Str("name", plant.Name()).
		Strs("reactors", cfg.Reactors).
		Bool("network", cfg.Plant.NetworkEnabled).
		Msg("powerplantd.run starting")
	startErr := plant.Start(ctx)

	cancelStatus()
	if err := <-statusDone; err != nil {
		log.Warn().Err(err).Msg("powerplantd.run status server failed")
	}
	return startErr
}
