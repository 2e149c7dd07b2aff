package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/sectorcount/internal/config"
	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/gateway"
	"github.com/roach88/sectorcount/internal/journal"
	"github.com/roach88/sectorcount/internal/kv"
	"github.com/roach88/sectorcount/internal/kv/badgerkv"
	"github.com/roach88/sectorcount/internal/kv/memkv"
	"github.com/roach88/sectorcount/internal/kv/rediskv"
	"github.com/roach88/sectorcount/internal/kv/sqlitekv"
	"github.com/roach88/sectorcount/internal/reconcile"
	"github.com/roach88/sectorcount/internal/recount"
)

// app is the wiring shared by the count commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    *OutputFormatter
	orch   *recount.Orchestrator
	store  kv.Store

	// adjustments collects what the stock adjuster was handed when a
	// command finalized the session.
	adjustments []stockAdjustment
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	flags := cmd.Flags()
	if flags.Changed("gateway") {
		cfg.Gateway.BaseURL = opts.Gateway
	}
	if flags.Changed("backend") {
		cfg.Journal.Backend = opts.Backend
	}
	if flags.Changed("journal") {
		if cfg.Journal.Backend == config.BackendRedis {
			cfg.Journal.RedisAddr = opts.JournalPath
		} else {
			cfg.Journal.Path = opts.JournalPath
		}
	}
	if flags.Changed("operator") {
		cfg.Operator = opts.Operator
	}
	if flags.Changed("slot") {
		cfg.Slot = opts.Slot
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cmd.ErrOrStderr())

	st, locker, err := openStore(cmd.Context(), cfg.Journal, opts.Verbose, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	logger.Debug("journal ready", "backend", cfg.Journal.Backend)

	client, err := gateway.New(cfg.Gateway.BaseURL,
		gateway.WithTimeout(cfg.Gateway.Timeout),
		gateway.WithRateLimit(cfg.Gateway.RatePerSecond, cfg.Gateway.Burst),
		gateway.WithToken(cfg.Gateway.Token),
		gateway.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "invalid gateway", err)
	}

	j := journal.New(st,
		journal.WithRetention(cfg.Journal.Retention),
		journal.WithLogger(logger),
	)
	ropts := []recount.Option{
		recount.WithMachine(recount.NewMachine(cfg.Recount.MaxRounds)),
		recount.WithLogger(logger),
	}
	if locker != nil {
		ropts = append(ropts, recount.WithLocker(locker))
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
		store: st,
	}
	ropts = append(ropts, recount.WithStockAdjuster(recount.StockAdjusterFunc(a.adjustStock)))
	a.orch = recount.New(j, client, ropts...)
	return a, nil
}

func (a *app) adjustStock(_ context.Context, s count.Session, result []discrepancy.Discrepancy) error {
	for _, d := range result {
		adj := newStockAdjustment(d)
		a.adjustments = append(a.adjustments, adj)
		a.logger.Info("stock adjusted", "session", s.ID, "product", d.ProductID,
			"counted", adj.Counted, "slot1", d.Slot1Total, "slot2", d.Slot2Total, "disputed", d.Disputed)
	}
	return nil
}

// sessionResult renders s, with the stock adjustments when the command
// finalized it.
func (a *app) sessionResult(s count.Session) error {
	if len(a.adjustments) > 0 {
		return a.out.Success(finalizeView{Session: s, Adjustments: a.adjustments})
	}
	return a.out.Success(sessionView(s))
}

// Close waits for reconciliations and closes the journal store.
func (a *app) Close() {
	a.orch.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing journal", "error", err)
	}
}

// slot returns the configured counter slot.
func (a *app) slot() (count.Slot, error) {
	s := count.Slot(a.cfg.Slot)
	if !s.Valid() {
		return 0, NewExitError(ExitCommandError, "counter slot required: pass --slot 1|2 or set slot in the config")
	}
	return s, nil
}

// openStore opens the journal backend. The redis backend also returns a
// cross-process locker so two terminals on one journal serialize per key.
func openStore(ctx context.Context, cfg config.JournalConfig, verbose bool, logger *slog.Logger) (kv.Store, reconcile.Locker, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create journal directory: %w", err)
		}
		st, err := sqlitekv.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case config.BackendBadger:
		bcfg := badgerkv.DefaultConfig(cfg.Path)
		if verbose {
			bcfg.Logger = logger.With("component", "badger")
		}
		st, err := badgerkv.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case config.BackendRedis:
		st, err := rediskv.Open(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return st, reconcile.NewRedisLocker(st.Client()), nil
	case config.BackendMemory:
		return memkv.New(), nil, nil
	}
	return nil, nil, errors.New("unknown journal backend " + cfg.Backend)
}

// findEntry resolves ref against the session's entries. ref is either the
// printed tag ("local:…", "remote:…") or a bare id.
func findEntry(entries []count.Entry, ref string) (count.Entry, error) {
	for _, e := range entries {
		if e.Tag.String() == ref || e.Tag.ID() == ref {
			return e, nil
		}
	}
	return count.Entry{}, count.NewNotFoundError("", fmt.Sprintf("no entry %q", ref))
}
