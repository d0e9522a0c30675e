package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/contenttype"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
)

// UploadResponse is the success body for POST /upload.
type UploadResponse struct {
	Files     []string `json:"files"`
	Remaining int      `json:"remaining"`
	// URL is the fully-qualified hotlink, set only when PROD_HOST is
	// configured (spec.md §1: "hotlink-friendly").
	URL string `json:"url,omitempty"`
}

// Upload handles a single-shot multipart upload: POST /upload, fields
// "file" and "ttl" (spec.md §6). The multipart form is parsed first (up to
// 32 MiB is kept in memory, the rest spills to temporary files); the file
// part is then copied into a fresh Blob Store reservation, which
// Store.Commit hashes when it publishes it.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	h.metrics.UploadsTotal.Add(1)
	owner := h.owners.OwnerOf(r)

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxFileBytes)+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, apperr.New(apperr.TooLarge, "request body too large or malformed"))
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, apperr.New(apperr.MalformedChunk, "missing file field"))
		return
	}
	defer file.Close() //nolint:errcheck

	ttlCode := metadata.Normalize(metadata.TTLCode(r.FormValue("ttl")))
	filename := fileHeader.Filename

	res, err := h.gate.Admit(admissionRequest(owner, filename, fileHeader.Size, "", ratelimit.RouteUpload))
	if err != nil {
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, err)
		return
	}
	defer res.Release()

	select {
	case h.assemblySem <- struct{}{}:
		defer func() { <-h.assemblySem }()
	default:
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, apperr.New(apperr.Internal, "server at capacity"))
		return
	}

	handle, isNew, contentType, err := h.commitStream(file)
	if err != nil {
		h.metrics.UploadsFailed.Add(1)
		if ae, ok := err.(*apperr.Error); ok {
			writeErr(w, h.logger, ae)
		} else {
			writeErr(w, h.logger, apperr.Wrap(err, "failed to store upload"))
		}
		return
	}
	if isNew {
		h.metrics.DedupMisses.Add(1)
	} else {
		h.metrics.DedupHits.Add(1)
	}
	h.metrics.BytesWritten.Add(handle.Size)

	if existing, dup := h.meta.FindByHash(owner, handle.Hash); dup {
		writeErr(w, h.logger, apperr.New(apperr.Duplicate, "identical content already uploaded").WithName(existing.PublicName))
		return
	}

	publicName, err := h.reservePublicName()
	if err != nil {
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, apperr.Wrap(err, "failed to reserve a public name"))
		return
	}

	now := h.now()
	rec := metadata.Record{
		PublicName:  publicName,
		Owner:       owner,
		Original:    filename,
		Size:        handle.Size,
		ContentHash: handle.Hash,
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now + metadata.SecondsFor(ttlCode),
		TTLCode:     ttlCode,
	}
	if err := h.meta.Create(rec); err != nil {
		h.metrics.UploadsFailed.Add(1)
		writeErr(w, h.logger, err)
		return
	}

	h.observer.Recompute()
	h.logger.Info("upload complete", "public_name", publicName, "bytes", handle.Size, "ttl", ttlCode)

	writeJSON(w, http.StatusOK, UploadResponse{
		Files:     []string{"f/" + publicName},
		Remaining: h.cfg.MaxActiveFilesPerOwner - h.meta.CountOwnedBy(owner),
		URL:       h.cfg.AbsoluteDownloadURL(publicName),
	})
}

// CheckHash answers the pre-upload dedupe probe: GET /checkhash?hash=<hex>.
func (h *Handler) CheckHash(w http.ResponseWriter, r *http.Request) {
	hash := blobstore.Hash(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("hash"))))
	_, exists := h.blobs.Lookup(hash)
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// commitStream sniffs r's MIME type, rejects it outright if the sniff
// identifies a native executable or installer regardless of the filename
// extension that already passed the admission gate (spec.md §4.5 step 3,
// strengthened against a disguised extension), then copies the replayed
// stream through a fresh Blob Store staging reservation and commits it.
// Returns whether the commit published a new blob (dedup miss) or reused an
// existing one (dedup hit), plus the sniffed Content-Type for the caller to
// persist on the Metadata Store record.
func (h *Handler) commitStream(r io.Reader) (blobstore.Handle, bool, string, error) {
	detected, full, err := contenttype.Sniff(r)
	if err != nil {
		return blobstore.Handle{}, false, "", err
	}
	if contenttype.IsExecutableMIME(detected) {
		return blobstore.Handle{}, false, "", apperr.New(apperr.ForbiddenExtension, "uploaded content is a disguised executable")
	}

	sh, err := h.blobs.Reserve()
	if err != nil {
		return blobstore.Handle{}, false, "", err
	}
	dst, err := h.blobs.OpenStaging(sh)
	if err != nil {
		h.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, false, "", err
	}
	if _, err := io.Copy(dst, full); err != nil {
		dst.Close() //nolint:errcheck
		h.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, false, "", err
	}
	if err := dst.Close(); err != nil {
		h.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, false, "", err
	}

	handle, isNew, err := h.blobs.Commit(sh, "")
	return handle, isNew, detected, err
}

func (h *Handler) reservePublicName() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		name, err := newPublicName()
		if err != nil {
			return "", err
		}
		if _, exists := h.meta.Get(name); !exists {
			return name, nil
		}
	}
	return "", apperr.New(apperr.Internal, "failed to allocate a unique public name")
}
