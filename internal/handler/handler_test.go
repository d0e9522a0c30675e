package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/driftbin/internal/admission"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/config"
	"github.com/zynqcloud/driftbin/internal/handler"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/quota"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
	"github.com/zynqcloud/driftbin/internal/reports"
	"github.com/zynqcloud/driftbin/internal/session"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.DiscardHandler)

	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	bans, err := ratelimit.NewBanList(fs, "/data", logger)
	require.NoError(t, err)
	limiter := ratelimit.New(1000, 1000)
	reportSink, err := reports.New(fs, "/data", logger)
	require.NoError(t, err)
	observer := quota.New(meta, 1_000_000_000, 0.95, 0.85)
	observer.Recompute()
	owners := privacy.New("test-secret-at-least-16-bytes", false, nil, logger)
	sessions := session.New(fs, "/data/chunks", 4, 1024, 100, blobs, meta, logger)
	gate := admission.New(bans, limiter, meta, observer, 10<<20, 10)

	cfg := &config.Config{
		MaxFileBytes:           10 << 20,
		MaxActiveFilesPerOwner: 10,
		ChunkSizeMin:           4,
		ChunkSizeMax:           1024,
		MaxChunks:              100,
		MaxAssemblyWorkers:     4,
		StorageRoot:            "/data",
		MinFreeBytes:           0,
	}

	return handler.New(handler.Deps{
		Config:   cfg,
		Blobs:    blobs,
		Meta:     meta,
		Sessions: sessions,
		Owners:   owners,
		Gate:     gate,
		Observer: observer,
		Reports:  reportSink,
		Bans:     bans,
		Limiter:  limiter,
		Logger:   logger,
	})
}

func multipartUpload(t *testing.T, filename, content, ttl string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("ttl", ttl))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDownloadDeleteRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	uploadRec := httptest.NewRecorder()
	srv.ServeHTTP(uploadRec, multipartUpload(t, "hello.txt", "hello, driftbin", "1h"))
	require.Equal(t, http.StatusOK, uploadRec.Code)

	var uploadResp handler.UploadResponse
	require.NoError(t, json.Unmarshal(uploadRec.Body.Bytes(), &uploadResp))
	require.Len(t, uploadResp.Files, 1)
	name := uploadResp.Files[0][len("f/"):]

	dlReq := httptest.NewRequest(http.MethodGet, "/f/"+name, nil)
	dlRec := httptest.NewRecorder()
	srv.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusOK, dlRec.Code)
	require.Equal(t, "hello, driftbin", dlRec.Body.String())

	mineReq := httptest.NewRequest(http.MethodGet, "/mine", nil)
	mineRec := httptest.NewRecorder()
	srv.ServeHTTP(mineRec, mineReq)
	require.Equal(t, http.StatusOK, mineRec.Code)
	var mine map[string]any
	require.NoError(t, json.Unmarshal(mineRec.Body.Bytes(), &mine))
	require.Len(t, mine["files"], 1)

	delReq := httptest.NewRequest(http.MethodDelete, "/d/"+name, nil)
	delRec := httptest.NewRecorder()
	srv.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	dlReq2 := httptest.NewRequest(http.MethodGet, "/f/"+name, nil)
	dlRec2 := httptest.NewRecorder()
	srv.ServeHTTP(dlRec2, dlReq2)
	require.Equal(t, http.StatusNotFound, dlRec2.Code)
}

func TestUploadRejectsForbiddenExtension(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartUpload(t, "payload.exe", "MZ...", "1h"))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUploadRejectsDisguisedExecutable(t *testing.T) {
	srv := newTestServer(t)
	// ELF magic bytes behind an extension the forbidden-extension list
	// would otherwise allow through (spec.md §4.5 step 3, content-based
	// cross-check).
	payload := append([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0}, make([]byte, 64)...)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartUpload(t, "totally-a-photo.jpg", string(payload), "1h"))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	content := "chunked payload of some length"

	initBody, _ := json.Marshal(map[string]any{
		"filename":   "chunked.bin",
		"size":       len(content),
		"ttl":        "1h",
		"chunk_size": 8,
	})
	initReq := httptest.NewRequest(http.MethodPost, "/chunk/init", bytes.NewReader(initBody))
	initRec := httptest.NewRecorder()
	srv.ServeHTTP(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)

	var initResp handler.ChunkInitResponse
	require.NoError(t, json.Unmarshal(initRec.Body.Bytes(), &initResp))
	require.Equal(t, 4, initResp.TotalChunks) // ceil(30/8)

	for i := 0; i < initResp.TotalChunks; i++ {
		start := i * 8
		end := start + 8
		if end > len(content) {
			end = len(content)
		}
		part := content[start:end]

		putReq := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/chunk/%s/%d", initResp.SessionID, i), bytes.NewReader([]byte(part)))
		putReq.ContentLength = int64(len(part))
		putRec := httptest.NewRecorder()
		srv.ServeHTTP(putRec, putReq)
		require.Contains(t, []int{http.StatusNoContent, http.StatusOK}, putRec.Code)
	}

	completeReq := httptest.NewRequest(http.MethodPost, "/chunk/"+initResp.SessionID+"/complete", bytes.NewReader([]byte("{}")))
	completeRec := httptest.NewRecorder()
	srv.ServeHTTP(completeRec, completeReq)
	require.Equal(t, http.StatusOK, completeRec.Code)

	var completeResp map[string]any
	require.NoError(t, json.Unmarshal(completeRec.Body.Bytes(), &completeResp))
	files, ok := completeResp["files"].([]any)
	require.True(t, ok)
	require.Len(t, files, 1)
}

func TestChunkSessionIdleExpiryReleasesReservation(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.DiscardHandler)

	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	bans, err := ratelimit.NewBanList(fs, "/data", logger)
	require.NoError(t, err)
	limiter := ratelimit.New(1000, 1000)
	reportSink, err := reports.New(fs, "/data", logger)
	require.NoError(t, err)
	observer := quota.New(meta, 1_000_000_000, 0.95, 0.85)
	observer.Recompute()
	owners := privacy.New("test-secret-at-least-16-bytes", false, nil, logger)
	sessions := session.New(fs, "/data/chunks", 4, 1024, 100, blobs, meta, logger)
	gate := admission.New(bans, limiter, meta, observer, 10<<20, 1) // cap of 1 active file

	cfg := &config.Config{
		MaxFileBytes:           10 << 20,
		MaxActiveFilesPerOwner: 1,
		ChunkSizeMin:           4,
		ChunkSizeMax:           1024,
		MaxChunks:              100,
		MaxAssemblyWorkers:     4,
		StorageRoot:            "/data",
		MinFreeBytes:           0,
	}

	srv := handler.New(handler.Deps{
		Config: cfg, Blobs: blobs, Meta: meta, Sessions: sessions, Owners: owners,
		Gate: gate, Observer: observer, Reports: reportSink, Bans: bans, Limiter: limiter, Logger: logger,
	})

	initBody, _ := json.Marshal(map[string]any{
		"filename": "abandoned.bin", "size": 8, "ttl": "1h", "chunk_size": 4,
	})

	initReq := httptest.NewRequest(http.MethodPost, "/chunk/init", bytes.NewReader(initBody))
	initRec := httptest.NewRecorder()
	srv.ServeHTTP(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)

	// The per-owner cap is 1 and is already held by the still-open session
	// above, so a second init for the same owner must be rejected.
	initReq2 := httptest.NewRequest(http.MethodPost, "/chunk/init", bytes.NewReader(initBody))
	initRec2 := httptest.NewRecorder()
	srv.ServeHTTP(initRec2, initReq2)
	require.Equal(t, http.StatusTooManyRequests, initRec2.Code)

	// Idle-expire the first session the way the Expiration Scheduler would.
	require.Equal(t, 1, sessions.ExpireIdle(-time.Second))

	// The reservation must have been released by the expiry hook — a new
	// session can now open.
	initReq3 := httptest.NewRequest(http.MethodPost, "/chunk/init", bytes.NewReader(initBody))
	initRec3 := httptest.NewRecorder()
	srv.ServeHTTP(initRec3, initReq3)
	require.Equal(t, http.StatusOK, initRec3.Code)
}

func TestReportRequiresExistingFile(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"name": "doesnotexist", "reason": "spam"})
	req := httptest.NewRequest(http.MethodPost, "/report", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigReportsCurrentLimits(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 10<<20, body["max_file_bytes"])
}
