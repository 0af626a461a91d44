package audit

import "fmt"

func validateRecord(rec Record) error {
	if rec.WorkspaceID == "" {
		return fmt.Errorf("workspace_id cannot be empty")
	}

	if rec.Tool == "" || rec.Action == "" {
		return fmt.Errorf("tool and action cannot be empty")
	}

	if !rec.Decision.Valid() {
		return fmt.Errorf("invalid decision: %s", rec.Decision)
	}

	if rec.Reason == "" {
		return fmt.Errorf("reason cannot be empty")
	}

	return nil
}
