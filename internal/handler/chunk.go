package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
	"github.com/zynqcloud/driftbin/internal/session"
)

// ChunkInitRequest is the POST /chunk/init body.
type ChunkInitRequest struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	TTL       string `json:"ttl"`
	ChunkSize int64  `json:"chunk_size"`
	Hash      string `json:"hash,omitempty"`
}

// ChunkInitResponse is the POST /chunk/init success body.
type ChunkInitResponse struct {
	SessionID   string `json:"session_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	StorageName string `json:"storage_name"`
}

// ChunkInit opens a resumable upload session: POST /chunk/init.
func (h *Handler) ChunkInit(w http.ResponseWriter, r *http.Request) {
	owner := h.owners.OwnerOf(r)

	var req ChunkInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, h.logger, apperr.New(apperr.MalformedChunk, "invalid JSON body"))
		return
	}

	hash := blobstore.Hash(req.Hash)
	res, err := h.gate.Admit(admissionRequest(owner, req.Filename, req.Size, hash, ratelimit.RouteChunk))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	out, err := h.sessions.Init(session.InitParams{
		Owner:        owner,
		Filename:     req.Filename,
		Size:         req.Size,
		TTLCode:      metadata.TTLCode(req.TTL),
		ChunkSize:    req.ChunkSize,
		DeclaredHash: hash,
	})
	if err != nil {
		res.Release()
		writeErr(w, h.logger, err)
		return
	}

	h.sessionReservations.put(out.SessionID, res)
	h.metrics.SessionsCreated.Add(1)

	writeJSON(w, http.StatusOK, ChunkInitResponse{
		SessionID:   out.SessionID,
		ChunkSize:   out.ChunkSize,
		TotalChunks: out.TotalChunks,
		StorageName: out.ReservedPublicName,
	})
}

// ChunkPut streams one chunk: PUT /chunk/{sid}/{index}.
func (h *Handler) ChunkPut(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeErr(w, h.logger, apperr.New(apperr.MalformedChunk, "invalid chunk index"))
		return
	}
	if r.ContentLength < 0 {
		writeErr(w, h.logger, apperr.New(apperr.MalformedChunk, "Content-Length is required"))
		return
	}

	if err := h.sessions.PutChunk(sid, index, r.Body, r.ContentLength); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	status, err := h.sessions.Status(sid)
	if err == nil && status.AssembledChunks == status.TotalChunks {
		writeJSON(w, http.StatusOK, map[string]bool{"final": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChunkStatus reports assembly progress: GET /chunk/{sid}/status.
func (h *Handler) ChunkStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	status, err := h.sessions.Status(sid)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assembled_chunks": status.AssembledChunks,
		"total_chunks":     status.TotalChunks,
		"completed":        status.Completed,
	})
}

// ChunkCompleteRequest is the POST /chunk/{sid}/complete body.
type ChunkCompleteRequest struct {
	Hash string `json:"hash,omitempty"`
}

// ChunkComplete finalises a session: POST /chunk/{sid}/complete.
func (h *Handler) ChunkComplete(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	owner := h.owners.OwnerOf(r)

	var req ChunkCompleteRequest
	json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck

	res, _ := h.sessionReservations.take(sid)

	out, err := h.sessions.Complete(sid, owner, blobstore.Hash(req.Hash))
	if res != nil {
		res.Release()
	}
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	h.metrics.SessionsCompleted.Add(1)
	h.observer.Recompute()
	resp := map[string]any{"files": []string{"f/" + out.PublicName}}
	if url := h.cfg.AbsoluteDownloadURL(out.PublicName); url != "" {
		resp["url"] = url
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChunkCancel abandons a session: DELETE /chunk/{sid}/cancel.
func (h *Handler) ChunkCancel(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if err := h.sessions.Cancel(sid); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	if res, ok := h.sessionReservations.take(sid); ok {
		res.Release()
	}
	h.metrics.SessionsCancelled.Add(1)
	w.WriteHeader(http.StatusNoContent)
}
