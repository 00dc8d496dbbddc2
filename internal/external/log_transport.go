package external

import (
	"context"
	"log/slog"
)

// LogTransport writes messages to the log instead of sending them. It is the
// default for local runs.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send implements scheduler.Transport. It never fails.
func (t *LogTransport) Send(ctx context.Context, to, body string) error {
	t.logger.InfoContext(ctx, "dry-run delivery",
		"to", maskPhone(to),
		"body", body,
	)
	return nil
}
