package audit

// Status of one verified event.
type Status string

const (
	StatusOK     Status = "OK"
	StatusBroken Status = "BROKEN"
)

// EventVerdict is the verification result of one event.
type EventVerdict struct {
	EventID int64  `json:"event_id"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyResult summarizes the verification of a chain.
type VerifyResult struct {
	Valid         bool           `json:"valid"`
	Total         int            `json:"total"`
	BrokenCount   int            `json:"broken_count"`
	FirstBrokenID int64          `json:"first_broken_id,omitempty"`
	Events        []EventVerdict `json:"events"`
}

// VerifyChain walks events from genesis. The first event whose prev_hash or
// hash does not match is BROKEN, and so is everything after it.
func VerifyChain(events []Event) VerifyResult {
	result := VerifyResult{
		Valid:  true,
		Total:  len(events),
		Events: make([]EventVerdict, 0, len(events)),
	}

	running := GenesisHash
	broken := false

	for _, e := range events {
		verdict := EventVerdict{EventID: e.ID, Status: StatusOK}

		switch {
		case broken:
			verdict.Status = StatusBroken
			verdict.Reason = "follows a broken event"
		case e.PrevHash != running:
			verdict.Status = StatusBroken
			verdict.Reason = "prev_hash does not match previous event"
		default:
			expected, err := EventHash(e)
			if err != nil {
				verdict.Status = StatusBroken
				verdict.Reason = "hash recompute failed: " + err.Error()
			} else if expected != e.Hash {
				verdict.Status = StatusBroken
				verdict.Reason = "hash mismatch"
			}
		}

		if verdict.Status == StatusBroken {
			if !broken {
				result.FirstBrokenID = e.ID
			}
			broken = true
			result.Valid = false
			result.BrokenCount++
		} else {
			running = e.Hash
		}

		result.Events = append(result.Events, verdict)
	}

	return result
}
