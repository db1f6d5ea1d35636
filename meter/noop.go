package meter

import "github.com/mediaforge/genrouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ genrouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(genrouter.RouteEvent)     {}
func (m *NoopMeter) OnAttempt(genrouter.AttemptEvent) {}
func (m *NoopMeter) OnResult(genrouter.ResultEvent)   {}
