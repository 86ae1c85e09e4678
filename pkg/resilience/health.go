package resilience

// HealthStatus is the rolled-up service posture.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// EndpointHealth is one endpoint's contribution to the roll-up.
type EndpointHealth struct {
	Endpoint     string `json:"endpoint"`
	Availability State  `json:"availability"`
	Integrity    State  `json:"integrity"`
	LastReason   string `json:"last_reason,omitempty"`
}

// Health is the full roll-up over all registered endpoints.
type Health struct {
	Status    HealthStatus     `json:"status"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

// Rollup computes service health from every registered breaker. Any open
// integrity track is critical; any other non-closed track is degraded.
func (r *Registry) Rollup() Health {
	h := Health{Status: HealthHealthy}
	for _, name := range r.Endpoints() {
		b := r.Endpoint(name)
		eh := EndpointHealth{
			Endpoint:     name,
			Availability: b.TrackState(TrackAvailability),
			Integrity:    b.TrackState(TrackIntegrity),
		}
		if eh.Availability != StateClosed {
			eh.LastReason = b.LastReason(TrackAvailability)
		}
		if eh.Integrity != StateClosed {
			eh.LastReason = b.LastReason(TrackIntegrity)
		}
		h.Endpoints = append(h.Endpoints, eh)

		switch {
		case eh.Integrity == StateOpen:
			h.Status = HealthCritical
		case h.Status != HealthCritical &&
			(eh.Availability != StateClosed || eh.Integrity != StateClosed):
			h.Status = HealthDegraded
		}
	}
	return h
}
