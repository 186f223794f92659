package main

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

	"github.com/spf13/cobra"

	"github.com/xudaotutou/kv-server/pkg/config"
	"github.com/xudaotutou/kv-server/pkg/db"
	"github.com/xudaotutou/kv-server/pkg/logging"
	"github.com/xudaotutou/kv-server/services/kv/internal/api"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
	"github.com/xudaotutou/kv-server/services/kv/internal/proofclient"
	"github.com/xudaotutou/kv-server/services/kv/internal/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvserver:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configDir string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kvserver",
		Short:         "Signed key-value chain server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "config", "directory holding main.toml and <env>.toml")
	cmd.AddCommand(newServeCommand(opts), newMigrateCommand(opts))
	return cmd
}

// setup loads config and installs the logger as the slog default.
func setup(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			log.Info("schema applied", "db", cfg.DB.DB, "host", cfg.DB.Host)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var st chain.Store
	switch cfg.Chain.Store {
	case "memory":
		log.Warn("using the in-memory store, chains are lost on restart")
		st = store.NewMemory()
	default:
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		st = store.NewPostgres(pool)
	}

	proofs := proofclient.New(cfg.ProofService.URL, cfg.ProofService.Timeout.Duration, log)
	svc := chain.NewService(st, proofs, log, chain.Options{ProposalTTL: cfg.Chain.ProposalTTL.Duration})
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.New(svc, log, cfg.Web).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "env", config.AppEnv(), "store", cfg.Chain.Store)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
