package db

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// LogStepEvent inserts one step transition.
func (d *DB) LogStepEvent(ctx context.Context, ev pipeline.StepEvent) error {
	_, err := d.conn.Exec(ctx,
		`INSERT INTO batchpatch_step_events (run_id, repo, step, status, reason, detail, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.RunID,
		ev.Target.String(),
		string(ev.Step),
		string(ev.Outcome.Status),
		nullString(ev.Outcome.Reason),
		nullString(ev.Outcome.Detail),
		ev.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("log step event: %w", err)
	}
	return nil
}

// StepFinished implements the engine's observer interface. A failed insert is
// logged and otherwise ignored; the event log never fails a run.
func (d *DB) StepFinished(ctx context.Context, ev pipeline.StepEvent) {
	if err := d.LogStepEvent(ctx, ev); err != nil {
		clog.FromContext(ctx).Warnf("event log: %v", err)
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
