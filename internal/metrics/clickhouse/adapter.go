package clickhouse

import (
	"context"

	"streamorch/internal/tooling"
)

// ToolingSink adapts a Sink (Client or NoopSink) to tooling.MetricsSink,
// translating the dispatcher's ToolInvocation into this package's Record.
// Kept as a separate small type rather than having Sink implementations
// speak tooling.ToolInvocation directly, so this package has no import
// dependency back onto tooling beyond this one adapter file.
type ToolingSink struct {
	Sink Sink
}

func (a ToolingSink) Record(ctx context.Context, rec tooling.ToolInvocation) {
	if a.Sink == nil {
		return
	}
	a.Sink.Record(ctx, Record{
		ConversationID: rec.ConversationID,
		UserID:         rec.UserID,
		Round:          rec.Round,
		Tool:           rec.Tool,
		Input:          rec.Input,
		Output:         rec.Output,
		Success:        rec.Success,
		ElapsedMs:      rec.ElapsedMs,
	})
}
