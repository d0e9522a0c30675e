package handler

import (
	"encoding/json"
	"net/http"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
)

// ReportRequest is the POST /report body — an additive route the
// distillation only implies via reports.json in the persisted-state layout.
type ReportRequest struct {
	PublicName string `json:"name"`
	Reason     string `json:"reason"`
	Details    string `json:"details,omitempty"`
}

// Report files an abuse report against a public name: POST /report. Gated
// by the ban list and rate limiter the same as every other admission-side
// route (spec.md §4.2).
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	owner := h.owners.OwnerOf(r)

	if h.bans.IsBanned(owner) {
		writeErr(w, h.logger, apperr.New(apperr.Banned, "this client is banned"))
		return
	}
	if allowed, retryAfter := h.limiter.Admit(owner, ratelimit.RouteReport); !allowed {
		writeErr(w, h.logger, &apperr.Error{Kind: apperr.RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter})
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicName == "" || req.Reason == "" {
		writeErr(w, h.logger, apperr.New(apperr.MalformedChunk, "name and reason are required"))
		return
	}

	if _, exists := h.meta.Get(req.PublicName); !exists {
		writeErr(w, h.logger, apperr.New(apperr.NotFound, "file not found"))
		return
	}

	if err := h.reports.Record(req.PublicName, req.Reason, req.Details, owner, h.now()); err != nil {
		writeErr(w, h.logger, apperr.Wrap(err, "failed to record report"))
		return
	}

	h.metrics.ReportsTotal.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{})
}
