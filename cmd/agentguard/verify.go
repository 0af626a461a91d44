package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yuv2819-cmyk/AgentGuard/internal/audit"
)

type chainBrokenError struct {
	workspace string
	broken    int
	firstID   int64
}

func (e chainBrokenError) Error() string {
	return fmt.Sprintf("audit chain of %s is broken: %d events fail verification, starting at event %d", e.workspace, e.broken, e.firstID)
}

func (e chainBrokenError) ExitCode() int { return 2 }

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var workspace string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a workspace's audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ledger, err := audit.NewSQLiteLedger(db)
			if err != nil {
				return err
			}

			result, err := ledger.Verify(cmd.Context(), workspace)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, v := range result.Events {
					if v.Reason != "" {
						fmt.Fprintf(out, "%d\t%s\t%s\n", v.EventID, v.Status, v.Reason)
					} else {
						fmt.Fprintf(out, "%d\t%s\n", v.EventID, v.Status)
					}
				}
			}

			if !result.Valid {
				return chainBrokenError{workspace: workspace, broken: result.BrokenCount, firstID: result.FirstBrokenID}
			}
			fmt.Fprintf(out, "OK: %d events verified for workspace %s\n", result.Total, workspace)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace to verify")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every event verdict")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}
