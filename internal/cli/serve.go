package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sectorcount/internal/config"
	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/gateway"
	"github.com/roach88/sectorcount/internal/gateway/gatewaysrv"
	"github.com/roach88/sectorcount/internal/metrics"
	"github.com/roach88/sectorcount/internal/recount"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed string
}

// SeedFile lists the sessions a reference gateway starts with.
type SeedFile struct {
	Sessions []gateway.CreateSessionRequest `yaml:"sessions"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync gateway",
		Long: `Run an in-memory sync gateway for development and drills.

It is authoritative for sessions and entries, compares the slots when both
submitted, and exposes Prometheus metrics at /metrics. Sessions are created
over POST /sectors or loaded from a seed file:

  sessions:
    - id: S-2024-A12
      sector_id: A-12
      operators: [ana, ben]
      products:
        - {id: P1, name: Agua mineral 500ml, code: AG500, system_stock: 48}

Example:
  sectorcount serve --addr 127.0.0.1:8080 --seed sessions.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides serve.addr)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML seed file (overrides serve.seed)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Serve.Addr = opts.Addr
	}
	if opts.Seed != "" {
		cfg.Serve.Seed = opts.Seed
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	gin.SetMode(gin.ReleaseMode)
	handler, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	logger.Info("gateway listening", "addr", cfg.Serve.Addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s. Press Ctrl-C to stop.\n", cfg.Serve.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "gateway shutdown", err)
		}
		logger.Info("gateway stopped")
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "gateway failed", err)
		}
		return nil
	}
}

// newGateway builds the reference gateway with its metrics endpoint and
// loads the seed sessions.
func newGateway(cfg config.Config, logger *slog.Logger) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := gatewaysrv.New(
		gatewaysrv.WithMachine(recount.NewMachine(cfg.Recount.MaxRounds)),
		gatewaysrv.WithLogger(logger),
		gatewaysrv.WithMetrics(metrics.New(reg)),
		gatewaysrv.WithToken(cfg.Gateway.Token),
		gatewaysrv.WithStockAdjuster(logAdjuster(logger)),
	)
	if cfg.Serve.Seed != "" {
		seed, err := loadSeed(cfg.Serve.Seed)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load seed", err)
		}
		for _, req := range seed.Sessions {
			if _, err := srv.Create(req); err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to seed session "+req.ID, err)
			}
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())
	return mux, nil
}

func loadSeed(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, err
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return SeedFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return seed, nil
}

// logAdjuster stands in for the stock system: it logs the counted
// quantity of every product of a finalized session.
func logAdjuster(logger *slog.Logger) recount.StockAdjuster {
	return recount.StockAdjusterFunc(func(_ context.Context, s count.Session, result []discrepancy.Discrepancy) error {
		for _, d := range result {
			logger.Info("stock adjusted",
				"session", s.ID,
				"sector", s.SectorID,
				"product", d.ProductID,
				"counted", d.Slot1Total,
				"disputed", d.Disputed)
		}
		return nil
	})
}
