package handler

import (
	"net/http"

	"github.com/zynqcloud/driftbin/internal/middleware"
)

// New builds the root http.Handler: constructs the Handler from deps and
// wires the full route table behind request logging and the metrics-token
// auth gate, kept directly from the teacher's routes.go — only the route
// table and dependency set are new.
//
// Middleware stack (outer → inner): RequestLog → ServeMux → MetricsToken (on
// the observability routes only) → handler.
func New(d Deps) http.Handler {
	h := newHandler(d)
	// A chunk session the manager discards via idle expiry never calls
	// ChunkComplete/ChunkCancel, so it can't release its own admission
	// reservation — wire the handler's reservation table in as the
	// manager's expiry hook (see helpers.go releaseSessionReservation).
	d.Sessions.SetOnExpire(h.releaseSessionReservation)

	auth := middleware.MetricsToken(d.Config.MetricsToken)
	logMW := middleware.RequestLog(d.Logger)
	// concurrencyLimit caps simultaneous upload-accepting requests across all
	// owners — a blunt global backstop ahead of the admission Gate's
	// per-owner, per-route-family checks, sized by MAX_CONCURRENT_UPLOADS.
	concurrencyLimit := middleware.NewUploadLimiter(d.Config.MaxConcurrentUploads)
	h.metrics.activeUploads = concurrencyLimit.Active

	mux := http.NewServeMux()

	// ── Single-shot upload ───────────────────────────────────────────────
	mux.Handle("POST /upload", concurrencyLimit.Limit(http.HandlerFunc(h.Upload)))
	mux.HandleFunc("GET /checkhash", h.CheckHash)

	// ── Resumable / chunked upload ────────────────────────────────────────
	mux.Handle("POST /chunk/init", concurrencyLimit.Limit(http.HandlerFunc(h.ChunkInit)))
	mux.HandleFunc("PUT /chunk/{sid}/{index}", h.ChunkPut)
	mux.HandleFunc("GET /chunk/{sid}/status", h.ChunkStatus)
	mux.HandleFunc("POST /chunk/{sid}/complete", h.ChunkComplete)
	mux.HandleFunc("DELETE /chunk/{sid}/cancel", h.ChunkCancel)

	// ── Download / delete / listing ───────────────────────────────────────
	mux.HandleFunc("GET /f/{name}", h.Download)
	mux.HandleFunc("DELETE /d/{name}", h.Delete)
	mux.HandleFunc("GET /mine", h.Mine)

	// ── Introspection ─────────────────────────────────────────────────────
	mux.HandleFunc("GET /api/config", h.Config)
	mux.HandleFunc("GET /api/quota", h.Quota)

	// ── Abuse reports ─────────────────────────────────────────────────────
	mux.HandleFunc("POST /report", h.Report)

	// ── Observability ─────────────────────────────────────────────────────
	// /health is open; /healthz/ready and /metrics carry internal state and
	// are gated the same way the teacher gated its equivalents.
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /healthz/ready", auth(http.HandlerFunc(h.Readiness)))
	mux.Handle("GET /metrics", auth(http.HandlerFunc(h.Metrics)))

	return logMW(mux)
}
