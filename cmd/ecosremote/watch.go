package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/ecos-remote/controller"
	"github.com/cyberinferno/ecos-remote/logger"
	"github.com/cyberinferno/ecos-remote/simulator"
	"github.com/cyberinferno/ecos-remote/wire"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [train]",
		Short: "Follow the layout and optionally one train until interrupted",
		Long: `watch keeps the connection open, reconnecting as needed, and prints
the state whenever the station reports a change. With a train id it also
follows that train's speed, direction and functions.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var train *wire.Train
			if len(args) == 1 {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid train id %q", args[0])
				}
				train = &wire.Train{ID: id}
			}

			rt, err := newApp(opts, func(p *controller.Policy) {
				p.WatchSelected = true
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			if metricsAddr == "" {
				metricsAddr = rt.cfg.Metrics.ListenAddr
			}

			ctx, cancel := signalContext()
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				g.Go(func() error {
					return serveMetrics(ctx, metricsAddr, rt.recorder.Handler(), rt.log)
				})
			}

			g.Go(func() error {
				// The session retries on its own; failures here only show up
				// in the status log.
				_ = rt.ctrl.Watch(ctx, wire.StationID)
				_ = rt.ctrl.RefreshStationState(ctx)
				if train != nil {
					if err := rt.ctrl.SelectTrain(ctx, *train); err == nil {
						_ = rt.ctrl.RefreshControl(ctx)
					}
				}
				return nil
			})

			g.Go(func() error {
				updates, stop := rt.ctrl.Subscribe(8)
				defer stop()

				out := cmd.OutOrStdout()
				last := ""
				for {
					select {
					case <-ctx.Done():
						return nil
					case st, ok := <-updates:
						if !ok {
							return nil
						}
						if line := stateLine(st); line != last {
							fmt.Fprintln(out, line)
							last = line
						}
					}
				}
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")

	return cmd
}

func simulateCmd(opts *rootOptions) *cobra.Command {
	var (
		listen      string
		resetOnStop bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated command station for testing without hardware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			if listen == "" {
				listen = cfg.Simulator.ListenAddr
			}

			layout := simulator.DemoLayout()
			layout.SetResetOnStop(resetOnStop || cfg.Simulator.ResetOnStop)

			station := simulator.New(listen, layout, simulator.WithLogger(log))

			ctx, cancel := signalContext()
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return station.Serve(ctx)
			})

			for _, t := range layout.Trains() {
				log.Info("simulated train", logger.Field{Key: "id", Value: t.ID}, logger.Field{Key: "name", Value: t.Name})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config, 127.0.0.1:15471)")
	cmd.Flags().BoolVar(&resetOnStop, "reset-on-stop", false, "Switch all functions off on a layout-wide stop")

	return cmd
}
