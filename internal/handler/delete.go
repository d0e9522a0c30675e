package handler

import (
	"net/http"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
)

// Delete removes a file the caller owns: DELETE /d/{name}. An owner mismatch
// is rendered identically to a missing record so ownership is never leaked
// (spec.md §4.8). Gated by the ban list and rate limiter the same as every
// other admission-side route (spec.md §4.2).
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	owner := h.owners.OwnerOf(r)

	if h.bans.IsBanned(owner) {
		writeErr(w, h.logger, apperr.New(apperr.Banned, "this client is banned"))
		return
	}
	if allowed, retryAfter := h.limiter.Admit(owner, ratelimit.RouteDelete); !allowed {
		writeErr(w, h.logger, &apperr.Error{Kind: apperr.RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter})
		return
	}

	if _, err := h.meta.Remove(name, owner, false); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	h.metrics.DeletesTotal.Add(1)
	h.observer.Recompute()
	writeJSON(w, http.StatusOK, map[string]any{})
}

// mineEntry is one record's projection in the /mine listing — the public
// name plus the metadata fields a client needs to render its own file list,
// deliberately excluding the content hash and raw owner (spec.md §4.7:
// "never reveals the content hash or owner").
type mineEntry struct {
	PublicName string `json:"public_name"`
	Original   string `json:"original"`
	Size       int64  `json:"size"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	TTLCode    string `json:"ttl_code"`
}

// Mine lists the caller's live files: GET /mine.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	owner := h.owners.OwnerOf(r)
	records := h.meta.ListOwnedBy(owner)

	files := make([]string, 0, len(records))
	metas := make([]mineEntry, 0, len(records))
	for _, rec := range records {
		files = append(files, "f/"+rec.PublicName)
		metas = append(metas, mineEntry{
			PublicName: rec.PublicName,
			Original:   rec.Original,
			Size:       rec.Size,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			TTLCode:    string(rec.TTLCode),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"files": files, "metas": metas})
}
