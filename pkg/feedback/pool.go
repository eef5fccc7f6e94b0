package feedback

import (
	"context"
	"fmt"
	"log/slog"
)

// Pool is the external collective that receives reports. Implementations
// return a receipt identifying the stored report, or an error; errors
// matching ErrUnreachable keep the report queued for retry.
type Pool interface {
	Submit(ctx context.Context, r Report) (string, error)
}

// PoolFunc adapts a function to the Pool interface.
type PoolFunc func(ctx context.Context, r Report) (string, error)

func (f PoolFunc) Submit(ctx context.Context, r Report) (string, error) { return f(ctx, r) }

// LogPool records reports in the process log. It is used when no remote pool
// is configured.
type LogPool struct {
	logger *slog.Logger
}

// NewLogPool creates a LogPool. A nil logger uses slog.Default().
func NewLogPool(logger *slog.Logger) *LogPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPool{logger: logger}
}

func (p *LogPool) Submit(ctx context.Context, r Report) (string, error) {
	p.logger.InfoContext(ctx, "feedback report",
		"local_id", r.LocalID,
		"type", r.Type,
		"origin", r.Origin,
		"timestamp", r.Timestamp,
		"pane_l", r.PaneL,
		"pane_n", r.PaneN,
		"pane_w", r.PaneW,
	)
	return fmt.Sprintf("local:%s:%d", r.Origin, r.LocalID), nil
}
