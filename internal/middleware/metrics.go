package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64

	SessionsStarted   uint64
	SessionsActive    uint64
	SessionsCompleted uint64
	SessionsCancelled uint64
	FramesCaptured    uint64
	HazardsTagged     uint64
	HazardsCritical   uint64
	EngineErrors      uint64
	HandoffsRemote    uint64
	HandoffsFallback  uint64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// IncrementRequests increments total request counter
func IncrementRequests() {
	atomic.AddUint64(&globalMetrics.RequestsTotal, 1)
}

func IncrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, 1)
}

func DecrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0))
}

func IncrementSuccess() {
	atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
}

func IncrementFailed() {
	atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
}

// InspectionMetrics feeds the inspection counters; it satisfies the
// application layer's Recorder.
type InspectionMetrics struct{}

func (InspectionMetrics) SessionStarted() {
	atomic.AddUint64(&globalMetrics.SessionsStarted, 1)
	atomic.AddUint64(&globalMetrics.SessionsActive, 1)
}

// SessionEnded decrements the active gauge; cancelled reports the
// terminal status.
func (InspectionMetrics) SessionEnded(cancelled bool) {
	atomic.AddUint64(&globalMetrics.SessionsActive, ^uint64(0))
	if cancelled {
		atomic.AddUint64(&globalMetrics.SessionsCancelled, 1)
	} else {
		atomic.AddUint64(&globalMetrics.SessionsCompleted, 1)
	}
}

func (InspectionMetrics) FrameCaptured() {
	atomic.AddUint64(&globalMetrics.FramesCaptured, 1)
}

func (InspectionMetrics) HazardTagged(critical bool) {
	atomic.AddUint64(&globalMetrics.HazardsTagged, 1)
	if critical {
		atomic.AddUint64(&globalMetrics.HazardsCritical, 1)
	}
}

func (InspectionMetrics) EngineError() {
	atomic.AddUint64(&globalMetrics.EngineErrors, 1)
}

func (InspectionMetrics) Handoff(fallback bool) {
	if fallback {
		atomic.AddUint64(&globalMetrics.HandoffsFallback, 1)
	} else {
		atomic.AddUint64(&globalMetrics.HandoffsRemote, 1)
	}
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":       atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress": atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":     atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"inspections": map[string]interface{}{
			"sessions_started":   atomic.LoadUint64(&globalMetrics.SessionsStarted),
			"sessions_active":    atomic.LoadUint64(&globalMetrics.SessionsActive),
			"sessions_completed": atomic.LoadUint64(&globalMetrics.SessionsCompleted),
			"sessions_cancelled": atomic.LoadUint64(&globalMetrics.SessionsCancelled),
			"frames_captured":    atomic.LoadUint64(&globalMetrics.FramesCaptured),
			"hazards_tagged":     atomic.LoadUint64(&globalMetrics.HazardsTagged),
			"hazards_critical":   atomic.LoadUint64(&globalMetrics.HazardsCritical),
			"engine_errors":      atomic.LoadUint64(&globalMetrics.EngineErrors),
			"handoffs_remote":    atomic.LoadUint64(&globalMetrics.HandoffsRemote),
			"handoffs_fallback":  atomic.LoadUint64(&globalMetrics.HandoffsFallback),
		},
		"uptime_seconds": time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
