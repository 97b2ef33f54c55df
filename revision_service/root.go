package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/niczy/revbranch/internal/config"
	"github.com/niczy/revbranch/internal/revision"
	"github.com/spf13/cobra"
)

// app carries the state shared by every command of one invocation.
type app struct {
	configPath string
	backend    string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "revision-service",
		Short:        "Revision branching, staging and merge engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to YAML configuration")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Override storage.backend (memory, redis, sqlite)")

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.branchCmd())
	root.AddCommand(a.compareCmd())
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Storage.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(a.logger)
	return nil
}

// openRevisionIndex opens the configured backend and bootstraps MAIN. The
// returned close function releases the backend.
func (a *app) openRevisionIndex(ctx context.Context) (*revision.RevisionIndex, func() error, error) {
	idx, err := openIndex(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	b := a.cfg.Branching
	r := revision.NewRevisionIndex(idx, nil, revision.Options{
		Logger:              a.logger,
		Locks:               revision.NewLockManager(b.LockRegistrySize, b.LockIdleExpiry, b.LockTimeout),
		CommitWatermarkLow:  a.cfg.Staging.CommitWatermarkLow,
		CommitWatermarkHigh: a.cfg.Staging.CommitWatermarkHigh,
		CompareLimit:        a.cfg.Compare.DefaultLimit,
		ScrollSize:          a.cfg.Storage.MaxClauseCount,
	})
	if err := r.Init(ctx); err != nil {
		_ = idx.Close()
		return nil, nil, fmt.Errorf("bootstrap %s: %w", a.cfg.Storage.Backend, err)
	}
	return r, idx.Close, nil
}

// withIndex runs fn against a freshly opened revision index.
func (a *app) withIndex(cmd *cobra.Command, fn func(ctx context.Context, r *revision.RevisionIndex) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, closeFn, err := a.openRevisionIndex(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			a.logger.Warn("close storage", "error", err)
		}
	}()
	return fn(ctx, r)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
