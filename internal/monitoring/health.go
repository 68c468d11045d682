package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the result of a single check
type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Critical  bool                   `json:"critical"`
}

// HealthResponse aggregates every registered check
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
	System    SystemInfo             `json:"system"`
}

type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumGoroutine int    `json:"num_goroutine"`
	MemoryMB     uint64 `json:"memory_mb"`
}

// HealthChecker is implemented by every check the manager runs
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	IsCritical() bool
}

// HealthManager runs registered checks in registration order
type HealthManager struct {
	checkers []HealthChecker
}

func NewHealthManager() *HealthManager {
	return &HealthManager{}
}

// RegisterChecker adds a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
}

// CheckHealth performs all health checks. Any unhealthy check makes the
// response unhealthy; a degraded one makes it degraded otherwise.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	checks := make(map[string]HealthCheck, len(hm.checkers))
	summary := HealthSummary{}
	overallStatus := HealthStatusHealthy

	for _, checker := range hm.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Name = checker.Name()
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		check.Critical = checker.IsCritical()
		checks[check.Name] = check

		summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusDegraded:
			summary.Degraded++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		default:
			summary.Unhealthy++
			overallStatus = HealthStatusUnhealthy
			if check.Critical {
				summary.Critical++
			}
		}
	}

	return HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    checks,
		Summary:   summary,
		System:    systemInfo(),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		MemoryMB:     m.Alloc / 1024 / 1024,
	}
}

// ProbeChecker turns a function into a HealthChecker. A probe error is
// unhealthy; a probe slower than SlowAfter is degraded.
type ProbeChecker struct {
	CheckName string
	Critical  bool
	SlowAfter time.Duration
	Probe     func(ctx context.Context) (map[string]interface{}, error)
}

func (p *ProbeChecker) Name() string { return p.CheckName }

func (p *ProbeChecker) IsCritical() bool { return p.Critical }

func (p *ProbeChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()
	details, err := p.Probe(ctx)
	elapsed := time.Since(start)

	if err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("%s probe failed: %v", p.CheckName, err),
			Details: details,
		}
	}

	status := HealthStatusHealthy
	message := fmt.Sprintf("%s is operational", p.CheckName)
	if p.SlowAfter > 0 && elapsed > p.SlowAfter {
		status = HealthStatusDegraded
		message = fmt.Sprintf("%s probe took %s", p.CheckName, elapsed)
	}
	return HealthCheck{Status: status, Message: message, Details: details}
}

// MemoryHealthChecker reports degraded above 80% of the limit and unhealthy
// above it. A zero limit is always healthy.
type MemoryHealthChecker struct {
	maxMemoryMB uint64
}

func NewMemoryHealthChecker(maxMemoryMB uint64) *MemoryHealthChecker {
	return &MemoryHealthChecker{maxMemoryMB: maxMemoryMB}
}

func (m *MemoryHealthChecker) Name() string {
	return "memory"
}

func (m *MemoryHealthChecker) IsCritical() bool {
	return false
}

func (m *MemoryHealthChecker) Check(ctx context.Context) HealthCheck {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	allocMB := memStats.Alloc / 1024 / 1024

	status := HealthStatusHealthy
	message := "Memory usage is normal"

	if m.maxMemoryMB > 0 {
		if allocMB > m.maxMemoryMB {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Memory usage exceeds limit (%dMB > %dMB)", allocMB, m.maxMemoryMB)
		} else if allocMB > m.maxMemoryMB*80/100 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("Memory usage is high (%dMB)", allocMB)
		}
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"alloc_mb": allocMB,
			"sys_mb":   memStats.Sys / 1024 / 1024,
			"num_gc":   memStats.NumGC,
		},
	}
}
