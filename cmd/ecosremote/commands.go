package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/ecos-remote/controller"
	"github.com/cyberinferno/ecos-remote/wire"
)

// oneShot connects, runs fn and closes the connection.
func oneShot(opts *rootOptions, fn func(ctx context.Context, rt *app) error) error {
	rt, err := newApp(opts, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return fn(ctx, rt)
}

// withTrain selects the train named by arg before running fn.
func withTrain(opts *rootOptions, arg string, fn func(ctx context.Context, rt *app) error) error {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid train id %q", arg)
	}

	return oneShot(opts, func(ctx context.Context, rt *app) error {
		if err := rt.ctrl.SelectTrain(ctx, wire.Train{ID: id}); err != nil {
			return err
		}

		return fn(ctx, rt)
	})
}

func trainsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trains",
		Short: "List the trains known to the station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(opts, func(ctx context.Context, rt *app) error {
				if err := rt.ctrl.ListTrains(ctx); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for _, t := range rt.ctrl.Snapshot().Trains {
					fmt.Fprintf(out, "%6d  %s\n", t.ID, t.Name)
				}

				return nil
			})
		},
	}
}

func functionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "functions <train>",
		Short: "Show the function states of a train",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrain(opts, args[0], func(ctx context.Context, rt *app) error {
				printFunctions(cmd, rt.ctrl.Snapshot().Functions)
				return nil
			})
		},
	}
}

func speedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "speed <train> <percent>",
		Short: "Set the speed of a train (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			percent, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid speed %q", args[1])
			}

			return withTrain(opts, args[0], func(ctx context.Context, rt *app) error {
				return rt.ctrl.SetSpeed(ctx, percent)
			})
		},
	}
}

func directionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "direction <train> <forward|reverse>",
		Short: "Set the direction of a train",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := wire.ParseDirection(args[1])
			if err != nil {
				return err
			}

			return withTrain(opts, args[0], func(ctx context.Context, rt *app) error {
				return rt.ctrl.SetDirection(ctx, dir)
			})
		},
	}
}

func functionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "function <train> <function> <on|off>",
		Short: "Switch a function of a train",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			funcID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid function %q", args[1])
			}

			value, err := parseOnOff(args[2])
			if err != nil {
				return err
			}

			return withTrain(opts, args[0], func(ctx context.Context, rt *app) error {
				if err := rt.ctrl.SetFunction(ctx, funcID, value); err != nil {
					return err
				}

				printFunctions(cmd, rt.ctrl.Snapshot().Functions)
				return nil
			})
		},
	}
}

func stopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the whole layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(opts, func(ctx context.Context, rt *app) error {
				return rt.ctrl.StopAll(ctx)
			})
		},
	}
}

func goCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "go",
		Short: "Release a layout-wide stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(opts, func(ctx context.Context, rt *app) error {
				return rt.ctrl.StartAll(ctx)
			})
		},
	}
}

func printFunctions(cmd *cobra.Command, fns []wire.TrainFunction) {
	out := cmd.OutOrStdout()
	for _, fn := range fns {
		state := "off"
		if fn.Value {
			state = "on"
		}
		fmt.Fprintf(out, "F%-3d %s\n", fn.ID, state)
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid function state %q (want on or off)", s)
	}

	return v, nil
}

// stateLine renders a snapshot for the watch command.
func stateLine(st controller.State) string {
	selected := "-"
	if st.SelectedTrainID != nil {
		selected = strconv.Itoa(*st.SelectedTrainID)
	}

	on := make([]string, 0, len(st.Functions))
	for _, fn := range st.Functions {
		if fn.Value {
			on = append(on, "F"+strconv.Itoa(fn.ID))
		}
	}

	return fmt.Sprintf("connected=%t stopped=%t train=%s speed=%d%% dir=%s functions=[%s]",
		st.Connected, st.Stopped, selected, st.Speed, st.Direction, strings.Join(on, " "))
}
