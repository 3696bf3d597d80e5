package pool

import (
	"math/rand/v2"
)

// pick chooses one of the eligible connections per the configured strategy.
// eligible is in registration order and non-empty. Must be called with m.mu held.
func (m *Manager) pick(eligible []*ManagedConnection) *ManagedConnection {
	switch m.config.Strategy {
	case LeastConnections:
		best := eligible[0]
		for _, c := range eligible[1:] {
			if c.ActiveRequests < best.ActiveRequests {
				best = c
			}
		}
		return best

	case Weighted:
		// Static priority order, lowest value first; ties go to the first registered
		best := eligible[0]
		for _, c := range eligible[1:] {
			if c.Endpoint.Priority < best.Endpoint.Priority {
				best = c
			}
		}
		return best

	case Random:
		return eligible[rand.IntN(len(eligible))]

	default:
		c := eligible[m.rrIndex%len(eligible)]
		m.rrIndex = (m.rrIndex + 1) % len(eligible)
		return c
	}
}
