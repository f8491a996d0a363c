package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component statuses reported on /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the /health and /ready response payload
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// CheckResult is one live check's verdict on its component
type CheckResult struct {
	Status  string
	Message string
}

// Healthy reports a component in working order
func Healthy() CheckResult { return CheckResult{Status: StatusHealthy} }

// Degraded reports a component that still serves but needs attention,
// such as a saturated task queue. Degraded components leave /health at 200.
func Degraded(message string) CheckResult {
	return CheckResult{Status: StatusDegraded, Message: message}
}

// Unhealthy reports a component that cannot serve, such as a store whose
// database no longer answers
func Unhealthy(message string) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: message}
}

// componentState is a statically registered component's last reported state
type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthState struct {
	mu         sync.RWMutex
	components map[string]componentState
	checks     map[string]func() CheckResult
	startTime  time.Time
	version    string
}

var health = &healthState{
	components: make(map[string]componentState),
	checks:     make(map[string]func() CheckResult),
	startTime:  time.Now(),
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records a component's startup state. Readiness gates on
// the critical components having registered healthy.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// UpdateComponent revises a component's reported state
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RegisterCheck installs a live check evaluated on every /health request,
// replacing any previous check under the same name. Checks must return
// quickly; a storage ping or a queue depth read, not a full scan.
func RegisterCheck(name string, fn func() CheckResult) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.checks[name] = fn
}

// UnregisterCheck removes a live check, typically on component shutdown
func UnregisterCheck(name string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	delete(health.checks, name)
}

// GetHealth evaluates every live check and folds the results with the
// registered component states: any unhealthy component makes the process
// unhealthy, otherwise any degraded one makes it degraded.
func GetHealth() HealthStatus {
	health.mu.RLock()
	checks := make(map[string]func() CheckResult, len(health.checks))
	for name, fn := range health.checks {
		checks[name] = fn
	}
	results := make(map[string]CheckResult, len(health.components))
	for name, comp := range health.components {
		if comp.healthy {
			results[name] = Healthy()
		} else {
			results[name] = Unhealthy(comp.message)
		}
	}
	version := health.version
	startTime := health.startTime
	health.mu.RUnlock()

	// Checks run outside the lock so a slow one cannot wedge registration
	for name, fn := range checks {
		result := fn()
		if result.Status == "" {
			result.Status = StatusHealthy
		}
		results[name] = result
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	status := StatusHealthy
	message := ""
	components := make(map[string]string, len(results))
	for _, name := range names {
		result := results[name]
		if result.Message == "" {
			components[name] = result.Status
		} else {
			components[name] = result.Status + ": " + result.Message
		}
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
			message = name + " is unhealthy"
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
				message = name + " is degraded"
			}
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// criticalComponents must have registered healthy before the process
// accepts traffic
var criticalComponents = []string{"storage", "orchestrator", "api"}

// GetReadiness reports whether the critical components have come up
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for _, name := range criticalComponents {
		comp, exists := health.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
		StartTime:  health.startTime,
	}
}

// HealthHandler serves /health: 503 only when some component is unhealthy;
// a degraded process still answers 200 so orchestrators do not restart it
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler serves /live: 200 whenever the process can answer at all
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.startTime).String(),
		})
	}
}
