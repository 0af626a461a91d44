// Package sink forwards finished decisions to an external consumer without
// holding up the request that produced them.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is the externally published shape of one decision.
type Record struct {
	EventID           int64    `json:"event_id"`
	WorkspaceID       string   `json:"workspace_id"`
	AgentID           string   `json:"agent_id,omitempty"`
	Tool              string   `json:"tool"`
	Action            string   `json:"action"`
	Resource          string   `json:"resource,omitempty"`
	Decision          string   `json:"decision"`
	Reason            string   `json:"reason"`
	Signals           []string `json:"signals"`
	RiskScore         int      `json:"risk_score"`
	ApprovalRequestID string   `json:"approval_request_id,omitempty"`
	Hash              string   `json:"hash"`
	PrevHash          string   `json:"prev_hash"`
	CreatedAt         string   `json:"created_at"`
}

// Sink receives a copy of every recorded decision.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	Close() error
}

// NopSink drops every record.
type NopSink struct{}

func (NopSink) Send(context.Context, Record) error { return nil }
func (NopSink) Close() error                       { return nil }

// Dispatcher sends records from detached goroutines, each bounded by timeout.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates dispatcher sending to s with a per-record timeout
func NewDispatcher(s Sink, timeout time.Duration) *Dispatcher {
	if s == nil {
		s = NopSink{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sink: s, timeout: timeout}
}

// Dispatch returns immediately. Failures are logged and never surfaced.
func (d *Dispatcher) Dispatch(rec Record) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Send(ctx, rec); err != nil {
			log.Warn().Err(err).Int64("event_id", rec.EventID).Str("workspace_id", rec.WorkspaceID).Msg("sink dispatch failed")
		}
	}()
}

// Wait blocks until in-flight dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight dispatches and closes the sink.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	return d.sink.Close()
}
