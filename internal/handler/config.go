package handler

import "net/http"

// Config exposes caps and feature flags the client needs to drive its own
// upload-path selection: GET /api/config.
func (h *Handler) Config(w http.ResponseWriter, _ *http.Request) {
	q := h.observer.CurrentQuota()
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_bytes":             h.cfg.MaxFileBytes,
		"max_file_size_str":          h.cfg.MaxFileSize,
		"max_active_files_per_owner": h.cfg.MaxActiveFilesPerOwner,
		"chunk_size_min":             h.cfg.ChunkSizeMin,
		"chunk_size_max":             h.cfg.ChunkSizeMax,
		"max_chunks":                 h.cfg.MaxChunks,
		"enable_streaming_uploads":   true,
		"quota":                      q,
	})
}

// Quota reports the live Quota Observer snapshot: GET /api/quota.
func (h *Handler) Quota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"quota": h.observer.CurrentQuota()})
}
