package router

import (
	"time"
)

// Status is the health state of one provider. Transitions are driven
// exclusively by call outcomes: success restores HEALTHY, a transient
// failure degrades, repeated consecutive failures take the provider
// DOWN until its cooldown expires.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Health is the per-provider health record consulted before every
// selection. Only the router mutates it.
type Health struct {
	Provider    string        `json:"provider"`
	Status      Status        `json:"status"`
	LastLatency time.Duration `json:"last_latency"`
	LastFailure time.Time     `json:"last_failure"`

	consecutiveFailures int
	recoveryBackoff     time.Duration
	retryAt             time.Time
}

const (
	// consecutive transient failures before a provider is taken DOWN
	downThreshold = 3

	baseRecoveryBackoff = 5 * time.Second
	baseCooldown        = 30 * time.Second
	maxBackoff          = 5 * time.Minute
)

func newHealth(provider string) *Health {
	return &Health{Provider: provider, Status: StatusHealthy}
}

// recordSuccess restores the provider to HEALTHY and clears timers.
func (h *Health) recordSuccess(latency time.Duration) {
	h.Status = StatusHealthy
	h.LastLatency = latency
	h.consecutiveFailures = 0
	h.recoveryBackoff = 0
	h.retryAt = time.Time{}
}

// recordFailure degrades the provider, doubling its recovery timer on
// each consecutive failure, and takes it DOWN at the threshold.
func (h *Health) recordFailure(now time.Time) {
	h.consecutiveFailures++
	h.LastFailure = now

	if h.consecutiveFailures >= downThreshold {
		h.Status = StatusDown
		cooldown := baseCooldown << (h.consecutiveFailures - downThreshold)
		if cooldown > maxBackoff || cooldown <= 0 {
			cooldown = maxBackoff
		}
		h.retryAt = now.Add(cooldown)
		return
	}

	h.Status = StatusDegraded
	if h.recoveryBackoff == 0 {
		h.recoveryBackoff = baseRecoveryBackoff
	} else {
		h.recoveryBackoff *= 2
		if h.recoveryBackoff > maxBackoff {
			h.recoveryBackoff = maxBackoff
		}
	}
	h.retryAt = now.Add(h.recoveryBackoff)
}

// eligible reports whether the provider may be attempted at all. A DOWN
// provider becomes eligible again once its cooldown has expired.
func (h *Health) eligible(now time.Time) bool {
	if h.Status != StatusDown {
		return true
	}
	return !now.Before(h.retryAt)
}
