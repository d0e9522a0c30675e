package handler

import (
	"net/http"
	"sync/atomic"

	"github.com/zynqcloud/driftbin/internal/diskstats"
)

// Metrics holds process-lifetime atomic counters exposed at GET /metrics.
// All writes use atomic operations so there is no lock contention on hot
// paths — kept directly from the teacher's internal/handler/metrics.go,
// with single-file-upload-specific counters swapped for this service's own
// domain events.
type Metrics struct {
	UploadsTotal      atomic.Int64
	UploadsFailed     atomic.Int64
	BytesWritten      atomic.Int64
	SessionsCreated   atomic.Int64
	SessionsCompleted atomic.Int64
	SessionsCancelled atomic.Int64
	DedupHits         atomic.Int64
	DedupMisses       atomic.Int64
	DownloadsTotal    atomic.Int64
	DeletesTotal      atomic.Int64
	ReportsTotal      atomic.Int64
	BansRecorded      atomic.Int64

	// activeUploads reports the global concurrency limiter's in-flight count,
	// wired in by routes.New since the limiter lives at the routing layer.
	activeUploads func() int
}

// Health is the liveness probe: a fast 200 while the process is alive.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness is the readiness probe: checks storage-root accessibility and
// free disk space, mirroring the teacher's handler.Readiness check shape.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Msg  string `json:"msg,omitempty"`
	}
	var checks []check
	allOK := true

	ready, avail := diskstats.Ready(h.cfg.StorageRoot, h.cfg.MinFreeBytes)
	if ready {
		checks = append(checks, check{"disk_space", true, ""})
	} else {
		checks = append(checks, check{"disk_space", false, "insufficient free space"})
		allOK = false
	}
	_ = avail

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
}

// Metrics serialises the current counter snapshot as a flat JSON object,
// plus the rate limiter's live bucket count and the quota observer's
// current usage snapshot.
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	q := h.observer.CurrentQuota()
	activeUploads := 0
	if h.metrics.activeUploads != nil {
		activeUploads = h.metrics.activeUploads()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_uploads":     activeUploads,
		"uploads_total":      h.metrics.UploadsTotal.Load(),
		"uploads_failed":     h.metrics.UploadsFailed.Load(),
		"bytes_written":      h.metrics.BytesWritten.Load(),
		"sessions_created":   h.metrics.SessionsCreated.Load(),
		"sessions_completed": h.metrics.SessionsCompleted.Load(),
		"sessions_cancelled": h.metrics.SessionsCancelled.Load(),
		"dedup_hits":         h.metrics.DedupHits.Load(),
		"dedup_misses":       h.metrics.DedupMisses.Load(),
		"downloads_total":    h.metrics.DownloadsTotal.Load(),
		"deletes_total":      h.metrics.DeletesTotal.Load(),
		"reports_total":      h.metrics.ReportsTotal.Load(),
		"bans_recorded":      h.metrics.BansRecorded.Load(),
		"rate_limit_buckets": h.limiter.Len(),
		"quota_used_bytes":   q.UsedBytes,
		"quota_max_bytes":    q.MaxBytes,
		"uploads_blocked":    q.UploadsBlocked,
	})
}
