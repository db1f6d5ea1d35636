package meter

import (
	"log/slog"

	"github.com/mediaforge/genrouter"
)

// LogMeter logs routing, attempt and result events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ genrouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e genrouter.RouteEvent) {
	m.Logger.Info("route",
		"request_id", e.RequestID,
		"user", e.User,
		"mode", string(e.Mode),
		"strategy", string(e.Strategy),
		"provider", e.Provider,
		"fallbacks", e.Fallbacks,
	)
}

func (m *LogMeter) OnAttempt(e genrouter.AttemptEvent) {
	if e.Outcome == genrouter.OutcomeSuccess {
		args := []any{
			"request_id", e.RequestID,
			"provider", e.Provider,
			"attempt", e.Attempt,
			"duration_ms", e.Latency.Milliseconds(),
		}
		if e.Err != nil {
			// Post-success bookkeeping failure (see Executor).
			args = append(args, "error", e.Err)
		}
		m.Logger.Info("attempt", args...)
		return
	}
	m.Logger.Warn("attempt_error",
		"request_id", e.RequestID,
		"provider", e.Provider,
		"attempt", e.Attempt,
		"outcome", string(e.Outcome),
		"duration_ms", e.Latency.Milliseconds(),
		"error", e.Err,
	)
}

func (m *LogMeter) OnResult(e genrouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"user", e.User,
			"mode", string(e.Mode),
			"provider", e.Provider,
			"duration_ms", e.Latency.Milliseconds(),
			"cost", e.Cost,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"user", e.User,
			"mode", string(e.Mode),
			"provider", e.Provider,
			"duration_ms", e.Latency.Milliseconds(),
			"error", e.Err,
		)
	}
}
