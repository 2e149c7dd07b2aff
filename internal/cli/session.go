package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
)

// withApp wires the app for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <session>",
		Short: "Open a counter slot of a session",
		Long: `Open a counter slot of a session for the configured operator.

Each slot belongs to one operator; opening a slot held by someone else is
refused. The session moves to IN_PROGRESS on the first open.

Example:
  sectorcount open S-2024-A12 --slot 1 --operator ana`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				slot, err := a.slot()
				if err != nil {
					return err
				}
				if a.cfg.Operator == "" {
					return NewExitError(ExitCommandError, "operator required: pass --operator or set operator in the config")
				}
				s, err := a.orch.Open(ctx, args[0], slot, a.cfg.Operator)
				if err != nil {
					return err
				}
				return a.out.Success(sessionView(s))
			})
		},
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <session>",
		Short: "Declare the slot done with the current round",
		Long: `Declare the configured slot done with the current round.

Every product in scope needs at least one entry of the slot and every local
entry must reach the gateway first. Once both slots submitted, the gateway
compares them and the session moves to VERIFIED, CON_DIFFERENCES or, after a
recount round, FINALIZED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				slot, err := a.slot()
				if err != nil {
					return err
				}
				s, err := a.orch.Submit(ctx, args[0], slot)
				if err != nil {
					return err
				}
				return a.sessionResult(s)
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Show session state and slot progress",
		Long: `Show the session state. With a configured slot, progress counts the
products that slot has entries for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				var s count.Session
				slot, err := a.slot()
				if err == nil {
					s, err = a.orch.Progress(ctx, args[0], slot)
				} else {
					s, err = a.orch.Load(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return a.out.Success(sessionView(s))
			})
		},
	}
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <session>",
		Short: "Compare the slot totals of every product in scope",
		Long: `Compare both slots' totals of the latest round for every product in
scope, as the local journal sees them. The totals stay hidden until both
slots submitted the current round.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				found, err := a.orch.Detect(ctx, args[0])
				if err != nil {
					return err
				}
				return a.out.Success(discrepanciesView(discrepancy.Sorted(found)))
			})
		},
	}
}

// RecountOptions holds flags for the recount command.
type RecountOptions struct {
	*RootOptions
	ViewOnly bool
}

// NewRecountCommand creates the recount command.
func NewRecountCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecountOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recount <session>",
		Short: "Start the next recount round",
		Long: `Move a CON_DIFFERENCES session into the next recount round and print the
audit report of the disputed products: every entry of both slots with its
original formula.

With --view the report is printed without a transition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				if opts.ViewOnly {
					s, err := a.orch.Load(ctx, args[0])
					if err != nil {
						return err
					}
					items, err := a.orch.RecountView(ctx, args[0])
					if err != nil {
						return err
					}
					return a.out.Success(recountView{Session: s, Items: items})
				}
				s, items, err := a.orch.EnterRecount(ctx, args[0])
				if err != nil {
					return err
				}
				return a.out.Success(recountView{Session: s, Items: items})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.ViewOnly, "view", false, "print the report without starting a round")

	return cmd
}

// FinalizeOptions holds flags for the finalize command.
type FinalizeOptions struct {
	*RootOptions
	Force bool
}

// NewFinalizeCommand creates the finalize command.
func NewFinalizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FinalizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "finalize <session>",
		Short: "Close a verified session and adjust stock",
		Long: `Close a VERIFIED session. Stock is adjusted exactly once, on the
transition into FINALIZED; finalizing again is refused.

--force is the supervisor override for an escalated session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				s, err := a.orch.Finalize(ctx, args[0], opts.Force)
				if err != nil {
					return err
				}
				return a.sessionResult(s)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "finalize an escalated session")

	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session>",
		Short: "Abandon a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				s, err := a.orch.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return a.out.Success(sessionView(s))
			})
		},
	}
}
