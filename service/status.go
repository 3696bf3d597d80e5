package service

import (
	"github.com/tidesapp/tidelink/fallback"
	"github.com/tidesapp/tidelink/health"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/queue"
)

// Status is a point-in-time view of every component.
type Status struct {
	Pool     pool.Metrics                              `json:"pool"`
	Circuits map[string]string                         `json:"circuits"`
	Health   map[string]health.Metrics                 `json:"health,omitempty"`
	Queue    *queue.Metrics                            `json:"queue,omitempty"`
	Fallback map[fallback.Source]fallback.StageMetrics `json:"fallback,omitempty"`
	Cache    *fallback.CacheMetrics                    `json:"cache,omitempty"`
}

// Status collects metrics from the pool, breakers, monitor, queue and fallback chain.
func (s *Service) Status() Status {
	status := Status{
		Pool:     s.pool.GetMetrics(),
		Circuits: make(map[string]string),
	}
	for name, state := range s.breakers.States() {
		status.Circuits[name] = state.String()
	}
	if s.health != nil {
		status.Health = s.health.GetAllMetrics()
	}
	if s.queue != nil {
		m := s.queue.GetMetrics()
		status.Queue = &m
	}
	if s.fallback != nil {
		status.Fallback = s.fallback.Metrics()
		if cache := s.fallback.Cache(); cache != nil {
			m := cache.Metrics()
			status.Cache = &m
		}
	}
	return status
}
