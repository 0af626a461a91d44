package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
	"github.com/yuv2819-cmyk/AgentGuard/internal/auth"
	"github.com/yuv2819-cmyk/AgentGuard/internal/baseline"
	"github.com/yuv2819-cmyk/AgentGuard/internal/config"
	"github.com/yuv2819-cmyk/AgentGuard/internal/guard"
	"github.com/yuv2819-cmyk/AgentGuard/internal/playbook"
	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/server"
	"github.com/yuv2819-cmyk/AgentGuard/internal/sink"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
	"github.com/yuv2819-cmyk/AgentGuard/internal/webhook"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Info().Msg("starting AgentGuard")
			if err := run(cmd.Context(), opts.cfg); err != nil {
				return err
			}
			log.Info().Msg("AgentGuard stopped")
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log.Info().Str("path", cfg.DBPath).Msg("opening database")
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}()

	ledger, err := audit.NewSQLiteLedger(db)
	if err != nil {
		return err
	}
	agents, err := agent.NewRegistry(db)
	if err != nil {
		return err
	}
	baselineStore, err := baseline.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	approvalStore, err := approval.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	gate := approval.NewGate(approvalStore, cfg.ApprovalTTL)
	defer gate.Close()

	playbookStore, err := initPlaybooks(ctx, db, cfg)
	if err != nil {
		return err
	}

	log.Info().Str("dir", cfg.PolicyDir).Msg("loading policies")
	policies, err := policy.NewRegistry(cfg.PolicyDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := policies.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy watcher")
		}
	}()

	executor := playbook.NewExecutor(playbookStore, agents, gate, webhook.NewClient(cfg.WebhookTimeout), cfg.WebhookTimeout)
	defer executor.Wait()

	dispatcher := sink.NewDispatcher(initSink(cfg), cfg.SinkTimeout)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close sink")
		}
	}()

	svc := guard.NewService(guard.Dependencies{
		Ledger:    ledger,
		Agents:    agents,
		Policies:  policies,
		Baselines: baseline.NewTracker(baselineStore),
		Approvals: gate,
		Playbooks: executor,
		Sink:      dispatcher,
	})

	log.Info().Bool("required", cfg.RequireAuth).Msg("initializing auth manager")
	authManager := auth.NewManager(auth.Config{
		JWTSecret:       cfg.JWTSecret,
		TokenExpiration: cfg.TokenExpiration,
		RequireAuth:     cfg.RequireAuth,
		Users:           cfg.AuthUsers,
	})

	srv := server.New(server.Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RequireAgentKey: cfg.RequireAgentKey,
	}, server.Deps{
		Guard:     svc,
		Approvals: gate,
		Audit:     ledger,
		Agents:    agents,
		Auth:      authManager,
	})

	return runServer(ctx, srv)
}

func initPlaybooks(ctx context.Context, db *sql.DB, cfg config.Config) (*playbook.SQLiteStore, error) {
	store, err := playbook.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	if cfg.PlaybooksFile == "" {
		return store, nil
	}

	n, err := playbook.Seed(ctx, store, cfg.PlaybooksFile)
	if err != nil {
		return nil, fmt.Errorf("seed playbooks: %w", err)
	}
	log.Info().Int("count", n).Str("file", cfg.PlaybooksFile).Msg("playbooks seeded")
	return store, nil
}

func initSink(cfg config.Config) sink.Sink {
	if !cfg.SinkEnabled() {
		log.Info().Msg("external sink disabled")
		return sink.NopSink{}
	}
	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing decisions to kafka")
	return sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
