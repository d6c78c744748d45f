package logsink

import (
	"context"
	"log/slog"
)

// SlogSink writes task output as structured log records. Used for local runs
// where no managed log service is available.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) EnsureGroup(ctx context.Context, group string, retentionDays int) error {
	s.Logger.DebugContext(ctx, "log group ready", "log_group", group, "retention_days", retentionDays)
	return nil
}

func (s SlogSink) Append(ctx context.Context, group, stream string, lines []Line) (int, error) {
	for _, l := range lines {
		s.Logger.InfoContext(ctx, l.Message, "log_group", group, "log_stream", stream, "ts", l.At)
	}
	return len(lines), nil
}
