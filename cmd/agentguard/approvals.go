package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuv2819-cmyk/AgentGuard/internal/approval"
)

func openGate(opts *rootOptions) (*approval.Gate, *sql.DB, error) {
	db, err := opts.openDB()
	if err != nil {
		return nil, nil, err
	}
	store, err := approval.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return approval.NewGate(store, opts.cfg.ApprovalTTL), db, nil
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gate, db, err := openGate(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			pending, err := gate.ListPending(cmd.Context(), workspace)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending approvals.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKSPACE\tAGENT\tTOOL\tACTION\tORIGIN\tEXPIRES IN")
			for _, r := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.WorkspaceID, r.AgentID, r.Tool, r.Action, r.Origin,
					time.Until(r.ExpiresAt).Round(time.Second))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "only list requests of this workspace")
	return cmd
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var by, note string

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending request",
		Long: `Approve a pending request so the agent can retry the action once,
presenting the approval id, before the request expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, db, err := openGate(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			req, err := gate.Approve(cmd.Context(), args[0], by, note)
			if err != nil {
				return fmt.Errorf("approve %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s %s by agent %s)\n", req.ID, req.Tool, req.Action, req.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "name of the approver")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var by, reason string

	cmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, db, err := openGate(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			req, err := gate.Reject(cmd.Context(), args[0], by, reason)
			if err != nil {
				return fmt.Errorf("reject %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (%s %s by agent %s)\n", req.ID, req.Tool, req.Action, req.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "name of the approver")
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
