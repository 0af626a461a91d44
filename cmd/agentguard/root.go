package main

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/yuv2819-cmyk/AgentGuard/internal/config"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

type rootOptions struct {
	dbPath  string
	envFile string
	cfg     config.Config
}

// NewRootCmd builds the agentguard command tree.
func NewRootCmd(ctx context.Context) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "agentguard",
		Short:         "Policy gate, approval queue and tamper-evident audit log for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.cfg = config.Load(opts.envFile)
			if opts.dbPath != "" {
				opts.cfg.DBPath = opts.dbPath
			}
			setupLogger(opts.cfg)
		},
	}
	cmd.SetContext(ctx)

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file")

	cmd.AddCommand(
		newServeCmd(opts),
		newVerifyCmd(opts),
		newPendingCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newAgentsCmd(opts),
	)

	return cmd
}

func (o *rootOptions) openDB() (*sql.DB, error) {
	return storage.Open(o.cfg.DBPath)
}
