package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/contenttype"
)

// oneYear is the remaining-TTL threshold at or above which the Download Server
// emits a long immutable cache directive instead of a bounded max-age one
// (spec.md §4.7).
const oneYear = 365 * 24 * time.Hour

// Download streams a blob by public name: GET /f/{name}.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := h.meta.Get(name)
	if !ok {
		writeErr(w, h.logger, apperr.New(apperr.NotFound, "file not found"))
		return
	}

	now := time.Now()
	remaining := time.Duration(rec.ExpiresAt-now.Unix()) * time.Second
	if remaining <= 0 {
		writeErr(w, h.logger, apperr.New(apperr.Gone, "file has expired"))
		return
	}

	f, _, err := h.blobs.OpenForRead(rec.ContentHash)
	if err != nil {
		writeErr(w, h.logger, apperr.New(apperr.NotFound, "file not found"))
		return
	}
	defer f.Close() //nolint:errcheck

	if remaining >= oneYear {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(remaining.Seconds())))
		w.Header().Set("Expires", time.Unix(rec.ExpiresAt, 0).UTC().Format(http.TimeFormat))
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = contenttype.ForDownload(rec.Original)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, sanitizeDispositionName(rec.Original)))

	h.metrics.DownloadsTotal.Add(1)
	http.ServeContent(w, r, rec.Original, time.Unix(rec.CreatedAt, 0), f)
}

// sanitizeDispositionName query-escapes the name so no character can break
// a quoted Content-Disposition filename parameter.
func sanitizeDispositionName(name string) string {
	safe := url.QueryEscape(name)
	if safe == "" {
		return "download"
	}
	return safe
}
