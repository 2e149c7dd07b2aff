package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/sectorcount/internal/catalog"
	"github.com/roach88/sectorcount/internal/count"
)

// queued reports an entry that was journaled but could not reach the
// gateway. The count is kept; sync retries it.
func (a *app) queued(e count.Entry, err error) error {
	if !count.IsTransient(err) || e.Tag.IsZero() {
		return err
	}
	a.logger.Warn("gateway unreachable, entry kept locally", "session", e.SessionID, "local_id", e.Tag.ID(), "error", err)
	return a.out.Success(entryView(e))
}

// NewEnterCommand creates the enter command.
func NewEnterCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enter <session> <product> <quantity>",
		Short: "Record a count for a product",
		Long: `Record a count for a product in the configured slot.

The product is matched by id, code or barcode, otherwise by name words
ignoring case and accents. The quantity may be a formula of + - * / and
parentheses; it must evaluate to a non-negative whole number.

The entry is journaled before it is sent. When the gateway is unreachable
it stays in the journal and sync sends it later.

Example:
  sectorcount enter S-2024-A12 "agua mineral" "12*4+3" --slot 1`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				slot, err := a.slot()
				if err != nil {
					return err
				}
				products, err := a.orch.Products(ctx, args[0])
				if err != nil {
					return err
				}
				p, err := catalog.New(products).Resolve(args[1])
				if err != nil {
					return err
				}
				e, err := a.orch.RecordCount(ctx, args[0], p.ID, slot, args[2])
				if err != nil {
					return a.queued(e, err)
				}
				return a.out.Success(entryView(e))
			})
		},
	}
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <session> <entry> <quantity>",
		Short: "Change the quantity of an entry",
		Long: `Change the quantity of an entry of the current round. The entry is
named by its tag as list prints it, or by its bare id.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				entries, err := a.orch.Entries(ctx, args[0], count.Slot(a.cfg.Slot))
				if err != nil {
					return err
				}
				target, err := findEntry(entries, args[1])
				if err != nil {
					return err
				}
				e, err := a.orch.EditCount(ctx, args[0], target.Tag, args[2])
				if err != nil {
					return a.queued(e, err)
				}
				return a.out.Success(entryView(e))
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session> <entry>",
		Short: "Delete an entry",
		Long: `Delete an entry of the current round. A synced entry is hidden from
totals at once and removed when the gateway confirms.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				entries, err := a.orch.Entries(ctx, args[0], count.Slot(a.cfg.Slot))
				if err != nil {
					return err
				}
				target, err := findEntry(entries, args[1])
				if err != nil {
					return err
				}
				if err := a.orch.DeleteCount(ctx, args[0], target.Tag); err != nil {
					if count.IsTransient(err) {
						a.logger.Warn("gateway unreachable, delete pending", "session", args[0], "remote_id", target.Tag.ID(), "error", err)
						return a.out.Success(entryView(target))
					}
					return err
				}
				return a.out.Success(entryView(target))
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <session>",
		Short: "List the journaled entries of a session",
		Long: `List the journaled entries of a session with their sync state:
synced, local (not yet sent), edited (change not yet sent) or deleting.

The other slot's entries of a round are listed only once both slots
submitted it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				entries, err := a.orch.Entries(ctx, args[0], count.Slot(a.cfg.Slot))
				if err != nil {
					return err
				}
				return a.out.Success(entriesView(entries))
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <session>",
		Short: "Send unsynced entries and pull the gateway's view",
		Long: `Send every entry, edit and delete the gateway has not confirmed yet, then
pull the session and both slots' entries from the gateway.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				report, err := a.orch.Sync(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "sync incomplete", err)
				}
				return a.out.Success(syncView(report))
			})
		},
	}
}
