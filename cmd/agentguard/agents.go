package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yuv2819-cmyk/AgentGuard/internal/agent"
)

func openRegistry(opts *rootOptions) (*agent.Registry, *sql.DB, error) {
	db, err := opts.openDB()
	if err != nil {
		return nil, nil, err
	}
	reg, err := agent.NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return reg, db, nil
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Register agents, assign policies and manage agent keys",
	}
	cmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace of the agent")
	_ = cmd.MarkPersistentFlagRequired("workspace")

	cmd.AddCommand(
		newAgentRegisterCmd(opts, &workspace),
		newAgentAddKeyCmd(opts, &workspace),
		newAgentKeysCmd(opts, &workspace),
		newAgentRevokeKeysCmd(opts, &workspace),
	)
	return cmd
}

func newAgentRegisterCmd(opts *rootOptions, workspace *string) *cobra.Command {
	var name, policyID string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Create an agent or update its name, status and policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			status := agent.StatusActive
			if disabled {
				status = agent.StatusDisabled
			}
			a, err := reg.Register(cmd.Context(), agent.Agent{
				ID:          args[0],
				WorkspaceID: *workspace,
				Name:        name,
				Status:      status,
				PolicyID:    policyID,
			})
			if err != nil {
				return fmt.Errorf("register %s: %w", args[0], err)
			}

			policyName := a.PolicyID
			if policyName == "" {
				policyName = "default rules"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s (%s, %s)\n", a.ID, a.WorkspaceID, a.Status, policyName)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&policyID, "policy", "", "id of the policy the agent runs under")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the agent disabled")
	return cmd
}

func newAgentAddKeyCmd(opts *rootOptions, workspace *string) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "add-key <agent-id>",
		Short: "Issue a key the agent sends as X-Agent-Key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := reg.Get(cmd.Context(), *workspace, args[0]); err != nil {
				return fmt.Errorf("add key for %s: %w", args[0], err)
			}
			k, err := reg.AddKey(cmd.Context(), *workspace, args[0], label)
			if err != nil {
				return fmt.Errorf("add key for %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "label to tell keys apart")
	return cmd
}

func newAgentKeysCmd(opts *rootOptions, workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <agent-id>",
		Short: "List the keys of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := reg.Keys(cmd.Context(), *workspace, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No keys.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tCREATED")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.ID, k.Label, k.Status, k.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newAgentRevokeKeysCmd(opts *rootOptions, workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-keys <agent-id>",
		Short: "Revoke every active key of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := reg.RevokeActiveKeys(cmd.Context(), *workspace, args[0])
			if err != nil {
				return fmt.Errorf("revoke keys of %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d key(s) of %s\n", n, args[0])
			return nil
		},
	}
}
