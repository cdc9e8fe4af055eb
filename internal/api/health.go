package api

import (
	"context"
	"sync"
	"time"
)

// HealthStatus grades one component or the whole process.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of a single probe.
type ComponentHealth struct {
	Name        string       `json:"name"`
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
}

// SystemHealth is the aggregate served from /healthz. The overall status
// is the worst component status.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	Uptime     string            `json:"uptime"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker runs registered probes with a short result cache so a
// scraping load balancer cannot hammer the components.
type HealthChecker struct {
	mu sync.RWMutex

	checks      map[string]HealthCheck
	lastResults map[string]ComponentHealth
	cacheExpiry time.Duration
	startTime   time.Time
}

// NewHealthChecker creates a checker with a 10 second result cache.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]HealthCheck),
		lastResults: make(map[string]ComponentHealth),
		cacheExpiry: 10 * time.Second,
		startTime:   time.Now(),
	}
}

// RegisterCheck adds a named probe.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Check runs every probe, reusing cached results that are still fresh.
func (hc *HealthChecker) Check(ctx context.Context) SystemHealth {
	hc.mu.Lock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, c := range hc.checks {
		checks[name] = c
	}
	hc.mu.Unlock()

	now := time.Now()
	components := make([]ComponentHealth, 0, len(checks))
	for name, check := range checks {
		hc.mu.RLock()
		cached, ok := hc.lastResults[name]
		hc.mu.RUnlock()
		if ok && now.Sub(cached.LastChecked) < hc.cacheExpiry {
			components = append(components, cached)
			continue
		}

		result := check(ctx)
		result.Name = name
		result.LastChecked = now

		hc.mu.Lock()
		hc.lastResults[name] = result
		hc.mu.Unlock()
		components = append(components, result)
	}

	return SystemHealth{
		Status:     overallStatus(components),
		Components: components,
		Uptime:     time.Since(hc.startTime).Round(time.Second).String(),
		Timestamp:  now,
	}
}

func overallStatus(components []ComponentHealth) HealthStatus {
	status := HealthHealthy
	for _, c := range components {
		switch c.Status {
		case HealthUnhealthy:
			return HealthUnhealthy
		case HealthDegraded:
			status = HealthDegraded
		}
	}
	return status
}
