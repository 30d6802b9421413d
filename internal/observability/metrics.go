package observability

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: collabauth).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "collabauth",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// COLLABAUTH_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()

	if v := os.Getenv("COLLABAUTH_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics provides application metrics collection.
// Thread-safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	namespace string
	version   string

	// Token validation counters: key = "path:outcome"
	// path is "introspection" or "jwt"; outcome is "ok", "inactive" or "error".
	validationCounts map[string]*atomic.Int64

	// Verification cache counters: key = "namespace:hit|miss"
	cacheCounts map[string]*atomic.Int64

	// HTTP request counters: key = "method:path:status"
	httpRequestCounts map[string]*atomic.Int64

	// Login flow counters
	logins            atomic.Int64
	loginFailures     atomic.Int64
	logouts           atomic.Int64
	provisionedUsers  atomic.Int64
	tokenRefreshes    atomic.Int64
	refreshFailures   atomic.Int64
	bearerAccepted    atomic.Int64
	bearerRejected    atomic.Int64
	rateLimitRejected atomic.Int64
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		namespace:         cfg.Namespace,
		version:           cfg.Version,
		validationCounts:  make(map[string]*atomic.Int64),
		cacheCounts:       make(map[string]*atomic.Int64),
		httpRequestCounts: make(map[string]*atomic.Int64),
	}
}

// RecordHTTPRequest records an HTTP request with its method, path and status code.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int) {
	m.bump(m.httpRequestCounts, fmt.Sprintf("%s:%s:%d", method, path, statusCode))
}

// RecordTokenValidation records the outcome of a token validation call.
func (m *Metrics) RecordTokenValidation(path, outcome string) {
	m.bump(m.validationCounts, path+":"+outcome)
}

// RecordCacheLookup records a verification cache hit or miss for a namespace.
func (m *Metrics) RecordCacheLookup(namespace string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.bump(m.cacheCounts, namespace+":"+outcome)
}

func (m *Metrics) bump(counts map[string]*atomic.Int64, key string) {
	m.mu.Lock()
	counter, ok := counts[key]
	if !ok {
		counter = &atomic.Int64{}
		counts[key] = counter
	}
	m.mu.Unlock()
	counter.Add(1)
}

// RecordLogin increments the successful interactive login counter.
func (m *Metrics) RecordLogin() { m.logins.Add(1) }

// RecordLoginFailure increments the failed interactive login counter.
func (m *Metrics) RecordLoginFailure() { m.loginFailures.Add(1) }

// RecordLogout increments the logout counter.
func (m *Metrics) RecordLogout() { m.logouts.Add(1) }

// RecordProvisionedUser increments the auto-provisioned account counter.
func (m *Metrics) RecordProvisionedUser() { m.provisionedUsers.Add(1) }

// RecordTokenRefresh records a refresh-token exchange attempt.
func (m *Metrics) RecordTokenRefresh(ok bool) {
	m.tokenRefreshes.Add(1)
	if !ok {
		m.refreshFailures.Add(1)
	}
}

// RecordBearerAuth records the outcome of a bearer authentication attempt.
func (m *Metrics) RecordBearerAuth(accepted bool) {
	if accepted {
		m.bearerAccepted.Add(1)
	} else {
		m.bearerRejected.Add(1)
	}
}

// RecordRateLimitRejected increments the count of rate-limited requests.
func (m *Metrics) RecordRateLimitRejected() { m.rateLimitRejected.Add(1) }

// Handler returns an http.Handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writePrometheusMetrics(w)
	})
}

// writePrometheusMetrics writes all metrics in Prometheus text format.
func (m *Metrics) writePrometheusMetrics(w http.ResponseWriter) {
	_, _ = fmt.Fprintf(w, "# HELP %s_info Application information\n", m.namespace)
	_, _ = fmt.Fprintf(w, "# TYPE %s_info gauge\n", m.namespace)
	_, _ = fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", m.namespace, m.version)

	fmt.Fprintf(w, "# HELP %s_token_validations_total Token validation calls by path and outcome\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_token_validations_total counter\n", m.namespace)
	m.writeLabeledCounters(w, "token_validations_total", m.validationCounts, "path", "outcome")
	_, _ = fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_verification_cache_lookups_total Verification cache lookups by namespace and outcome\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_verification_cache_lookups_total counter\n", m.namespace)
	m.writeLabeledCounters(w, "verification_cache_lookups_total", m.cacheCounts, "namespace", "outcome")
	_, _ = fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", m.namespace)
	m.mu.RLock()
	httpKeys := make([]string, 0, len(m.httpRequestCounts))
	for k := range m.httpRequestCounts {
		httpKeys = append(httpKeys, k)
	}
	sort.Strings(httpKeys)
	for _, key := range httpKeys {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				m.namespace, parts[0], parts[1], parts[2], m.httpRequestCounts[key].Load())
		}
	}
	m.mu.RUnlock()
	_, _ = fmt.Fprintln(w)

	simple := []struct {
		name  string
		help  string
		value int64
	}{
		{"logins_total", "Successful interactive logins", m.logins.Load()},
		{"login_failures_total", "Failed interactive logins", m.loginFailures.Load()},
		{"logouts_total", "Local session logouts", m.logouts.Load()},
		{"provisioned_users_total", "Accounts created by auto-provisioning", m.provisionedUsers.Load()},
		{"token_refreshes_total", "Refresh-token exchanges attempted", m.tokenRefreshes.Load()},
		{"token_refresh_failures_total", "Refresh-token exchanges that failed", m.refreshFailures.Load()},
		{"bearer_accepted_total", "Bearer tokens accepted", m.bearerAccepted.Load()},
		{"bearer_rejected_total", "Bearer tokens rejected", m.bearerRejected.Load()},
		{"rate_limit_rejected_total", "Requests rejected by rate limiting", m.rateLimitRejected.Load()},
	}
	for _, s := range simple {
		fmt.Fprintf(w, "# HELP %s_%s %s\n", m.namespace, s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s_%s counter\n", m.namespace, s.name)
		fmt.Fprintf(w, "%s_%s %d\n", m.namespace, s.name, s.value)
	}
}

// writeLabeledCounters writes counters keyed "a:b" as {aLabel="a",bLabel="b"}.
func (m *Metrics) writeLabeledCounters(w http.ResponseWriter, name string, counts map[string]*atomic.Int64, aLabel, bLabel string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Sort keys for deterministic output
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fmt.Fprintf(w, "%s_%s{%s=%q,%s=%q} %d\n",
			m.namespace, name, aLabel, parts[0], bLabel, parts[1], counts[key].Load())
	}
}

// statusRecorder captures the response status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records per-request counters. It is a no-op when metrics
// collection is disabled.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, rec.status)
		})
	}
}
