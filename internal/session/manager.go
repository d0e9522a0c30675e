package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/contenttype"
	"github.com/zynqcloud/driftbin/internal/jsonmirror"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/shortname"
)

// InitParams are the caller-declared parameters of a new session
// (spec.md §4.6 `init`).
type InitParams struct {
	Owner        privacy.OwnerID
	Filename     string
	Size         int64
	TTLCode      metadata.TTLCode
	ChunkSize    int64
	DeclaredHash blobstore.Hash
}

// InitResult mirrors the wire response of POST /chunk/init.
type InitResult struct {
	SessionID          string
	ChunkSize          int64
	TotalChunks        int
	ReservedPublicName string
}

// StatusResult mirrors GET /chunk/<sid>/status.
type StatusResult struct {
	AssembledChunks int
	TotalChunks     int
	Completed       bool
}

// CompleteResult mirrors POST /chunk/<sid>/complete.
type CompleteResult struct {
	PublicName string
	Duplicate  bool // true when the content already had a record for this owner
}

// handle is the manager's live, lock-guarded view of one session.
type handle struct {
	mu   sync.Mutex
	desc Descriptor
}

// Manager owns open chunk sessions. ChunkSizeMin/Max and MaxChunks enforce
// spec.md §3's session invariants; metadata/blobs are the downstream stores
// Complete hands the assembled payload to.
type Manager struct {
	fs        afero.Fs
	chunksDir string

	chunkSizeMin int64
	chunkSizeMax int64
	maxChunks    int

	blobs    *blobstore.Store
	meta     *metadata.Store
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*handle
	// onExpire, if set, is called once per session ID that ExpireIdle
	// discards without ever seeing an explicit Complete or Cancel — the
	// handler layer wires this to release the admission Reservation it
	// parked for that session, so an abandoned chunk upload's slot doesn't
	// stay held forever (spec.md §4.5 + §4.9).
	onExpire func(sessionID string)
}

// New creates a Manager rooted at chunksDir (one subdirectory per session,
// per spec.md §6's persisted-state layout).
func New(fs afero.Fs, chunksDir string, chunkSizeMin, chunkSizeMax int64, maxChunks int, blobs *blobstore.Store, meta *metadata.Store, logger *slog.Logger) *Manager {
	return &Manager{
		fs:           fs,
		chunksDir:    chunksDir,
		chunkSizeMin: chunkSizeMin,
		chunkSizeMax: chunkSizeMax,
		maxChunks:    maxChunks,
		blobs:        blobs,
		meta:         meta,
		logger:       logger,
		sessions:     make(map[string]*handle),
	}
}

// SetOnExpire registers fn to be called once per session ID that ExpireIdle
// discards. Sessions discarded before fn is registered are not reported to
// it; the handler wires it right after constructing both the Manager and
// the Handler that owns the reservation table.
func (m *Manager) SetOnExpire(fn func(sessionID string)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

func (m *Manager) sessionDir(id string) string { return m.chunksDir + "/" + id }
func (m *Manager) descPath(id string) string   { return m.sessionDir(id) + "/session.json" }
func (m *Manager) stagingPath(id string) string { return m.sessionDir(id) + "/staging.bin" }

// Init creates a resumable upload session.
func (m *Manager) Init(p InitParams) (InitResult, error) {
	chunkSize := p.ChunkSize
	if chunkSize < m.chunkSizeMin {
		chunkSize = m.chunkSizeMin
	}
	if chunkSize > m.chunkSizeMax {
		chunkSize = m.chunkSizeMax
	}
	if p.Size <= 0 {
		return InitResult{}, apperr.New(apperr.MalformedChunk, "declared size must be positive")
	}

	totalChunks := int((p.Size + chunkSize - 1) / chunkSize)
	if totalChunks > m.maxChunks {
		return InitResult{}, apperr.New(apperr.TooLarge, fmt.Sprintf("total_chunks %d exceeds limit %d", totalChunks, m.maxChunks))
	}
	if totalChunks < 1 {
		totalChunks = 1
	}

	publicName, err := m.reserveUniquePublicName()
	if err != nil {
		return InitResult{}, apperr.Wrap(err, "failed to reserve public name")
	}

	sessionID := uuid.NewString()
	now := time.Now().Unix()

	desc := Descriptor{
		SessionID:          sessionID,
		Owner:              p.Owner,
		Filename:           p.Filename,
		Size:               p.Size,
		ChunkSize:          chunkSize,
		TotalChunks:        totalChunks,
		TTLCode:            metadata.Normalize(p.TTLCode),
		DeclaredHash:       p.DeclaredHash,
		ReservedPublicName: publicName,
		Received:           make([]bool, totalChunks),
		ChunkBytes:         make([]int64, totalChunks),
		CreatedAt:          now,
		LastActivityAt:     now,
		State:              StateOpen,
	}

	if err := m.fs.MkdirAll(m.sessionDir(sessionID), 0o750); err != nil {
		return InitResult{}, apperr.Wrap(err, "failed to create session directory")
	}
	// Pre-allocate the staging file so WriteAt never needs to extend a
	// sparse file past its declared size (spec.md §3 invariant).
	f, err := m.fs.OpenFile(m.stagingPath(sessionID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return InitResult{}, apperr.Wrap(err, "failed to create staging file")
	}
	if err := f.Truncate(p.Size); err != nil {
		f.Close() //nolint:errcheck
		return InitResult{}, apperr.Wrap(err, "failed to preallocate staging file")
	}
	f.Close() //nolint:errcheck

	if err := m.saveDescriptor(&desc); err != nil {
		return InitResult{}, apperr.Wrap(err, "failed to persist session descriptor")
	}

	m.mu.Lock()
	m.sessions[sessionID] = &handle{desc: desc}
	m.mu.Unlock()

	return InitResult{
		SessionID:          sessionID,
		ChunkSize:          chunkSize,
		TotalChunks:        totalChunks,
		ReservedPublicName: publicName,
	}, nil
}

// PutChunk writes one chunk's bytes at its computed offset.
//
// Idempotent for a byte-identical retransmission of an already-received
// index (spec.md §4.6): since we don't keep the original bytes around to
// compare, "byte-identical" is approximated the way the descriptor already
// can verify cheaply — matching declared length — and re-accepted as a
// no-op; a length mismatch on an already-received index is rejected the
// same as first-write length mismatches.
func (m *Manager) PutChunk(sessionID string, index int, r io.Reader, declaredLen int64) error {
	h, err := m.get(sessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.desc.State != StateOpen {
		return apperr.New(apperr.NotFound, "session is not open")
	}
	if index < 0 || index >= h.desc.TotalChunks {
		return apperr.New(apperr.MalformedChunk, "chunk index out of range")
	}

	expected := h.desc.expectedChunkLen(index)
	if declaredLen != expected {
		return apperr.New(apperr.MalformedChunk, fmt.Sprintf("chunk %d length %d does not match expected %d", index, declaredLen, expected))
	}

	if h.desc.Received[index] && h.desc.ChunkBytes[index] == declaredLen {
		// Already received with a matching length — no-op (idempotent retransmit).
		return nil
	}

	f, err := m.fs.OpenFile(m.stagingPath(sessionID), os.O_WRONLY, 0o640)
	if err != nil {
		return apperr.Wrap(err, "failed to open staging file")
	}
	defer f.Close() //nolint:errcheck

	offset := int64(index) * h.desc.ChunkSize
	buf := make([]byte, declaredLen)
	n, rerr := io.ReadFull(r, buf)
	if rerr != nil {
		return apperr.New(apperr.MalformedChunk, "body shorter than declared length")
	}
	if _, werr := f.WriteAt(buf[:n], offset); werr != nil {
		// Roll back by truncating back to the pre-write length is not
		// meaningful for a positional write into a pre-allocated file — the
		// bitmap is simply never marked, so the slot stays unreceived and a
		// retry overwrites the same bytes (spec.md §5 cancellation policy).
		return apperr.Wrap(werr, "chunk write failed")
	}

	h.desc.Received[index] = true
	h.desc.ChunkBytes[index] = declaredLen
	h.desc.touch(time.Now())

	return m.saveDescriptor(&h.desc)
}

// Status reports assembly progress.
func (m *Manager) Status(sessionID string) (StatusResult, error) {
	h, err := m.get(sessionID)
	if err != nil {
		return StatusResult{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusResult{
		AssembledChunks: h.desc.AssembledChunks(),
		TotalChunks:     h.desc.TotalChunks,
		Completed:       h.desc.State == StateCompleted,
	}, nil
}

// Complete finalises a session: hashes the staging file, commits it to the
// Blob Store (or discards it on a dedup hit), creates the Metadata Store
// record, deletes the session descriptor, and returns the reserved public
// name.
func (m *Manager) Complete(sessionID string, owner privacy.OwnerID, declaredHash blobstore.Hash) (CompleteResult, error) {
	h, err := m.get(sessionID)
	if err != nil {
		return CompleteResult{}, err
	}

	h.mu.Lock()
	if h.desc.State != StateOpen {
		h.mu.Unlock()
		return CompleteResult{}, apperr.New(apperr.NotFound, "session is not open")
	}
	if !h.desc.Complete() {
		h.mu.Unlock()
		return CompleteResult{}, apperr.New(apperr.MalformedChunk, "not all chunks received")
	}
	h.desc.State = StateAssembling
	if err := m.saveDescriptor(&h.desc); err != nil {
		h.mu.Unlock()
		return CompleteResult{}, apperr.Wrap(err, "failed to persist assembling state")
	}
	declared := declaredHash
	if declared == "" {
		declared = h.desc.DeclaredHash
	}
	size := h.desc.Size
	ttlCode := h.desc.TTLCode
	publicName := h.desc.ReservedPublicName
	original := h.desc.Filename
	h.mu.Unlock()

	handleCommit, contentType, err := m.commitStagingInPlace(sessionID, declared)
	if err != nil {
		if mm, ok := err.(*blobstore.MismatchError); ok {
			h.mu.Lock()
			h.desc.State = StateCancelled
			m.saveDescriptor(&h.desc) //nolint:errcheck
			h.mu.Unlock()
			m.forget(sessionID)
			_ = m.fs.RemoveAll(m.sessionDir(sessionID))
			return CompleteResult{}, apperr.New(apperr.ChecksumMismatch, fmt.Sprintf("declared hash %s does not match computed hash %s", mm.Declared, mm.Computed))
		}
		if ae, ok := err.(*apperr.Error); ok {
			// A sniffed-executable rejection: no point leaving the session
			// resumable, the assembled content itself is the problem.
			h.mu.Lock()
			h.desc.State = StateCancelled
			m.saveDescriptor(&h.desc) //nolint:errcheck
			h.mu.Unlock()
			m.forget(sessionID)
			_ = m.fs.RemoveAll(m.sessionDir(sessionID))
			return CompleteResult{}, ae
		}
		return CompleteResult{}, apperr.Wrap(err, "failed to commit assembled blob")
	}

	now := time.Now().Unix()
	if existing, dup := m.meta.FindByHash(owner, handleCommit.Hash); dup {
		m.forget(sessionID)
		_ = m.fs.RemoveAll(m.sessionDir(sessionID))
		return CompleteResult{PublicName: existing.PublicName, Duplicate: true}, apperr.New(apperr.Duplicate, "identical content already uploaded").WithName(existing.PublicName)
	}

	rec := metadata.Record{
		PublicName:  publicName,
		Owner:       owner,
		Original:    original,
		Size:        size,
		ContentHash: handleCommit.Hash,
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now + metadata.SecondsFor(ttlCode),
		TTLCode:     ttlCode,
	}
	if err := m.meta.Create(rec); err != nil {
		return CompleteResult{}, err
	}

	h.mu.Lock()
	h.desc.State = StateCompleted
	h.mu.Unlock()
	m.forget(sessionID)
	_ = m.fs.RemoveAll(m.sessionDir(sessionID))

	return CompleteResult{PublicName: publicName}, nil
}

// Cancel unlinks staging data and removes the session descriptor.
func (m *Manager) Cancel(sessionID string) error {
	h, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.cancelLocked(sessionID, h)
	return nil
}

func (m *Manager) cancelLocked(sessionID string, h *handle) {
	h.mu.Lock()
	h.desc.State = StateCancelled
	h.mu.Unlock()
	m.forget(sessionID)
	_ = m.fs.RemoveAll(m.sessionDir(sessionID))
}

// LoadAll scans chunksDir for persisted session descriptors at startup and
// reconstructs the in-memory session table, per spec.md §4.6's crash
// recovery rules:
//   - a descriptor left in StateAssembling never saw its Complete finish
//     (the process died between marking assembling and the commit/record
//     creation), so it is rolled back to StateOpen and left resumable;
//   - a descriptor whose staging file is missing cannot be resumed and is
//     discarded along with its directory;
//   - a descriptor idle past idleHorizon is expired and discarded the same
//     way a live ExpireIdle call would.
//
// Returns the number of sessions recovered into the live table.
func (m *Manager) LoadAll(idleHorizon time.Duration) (int, error) {
	entries, err := afero.ReadDir(m.fs, m.chunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now()
	recovered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		var desc Descriptor
		ok, err := jsonmirror.Load(m.fs, m.descPath(sessionID), &desc)
		if err != nil || !ok {
			m.logger.Warn("session: dropping unreadable descriptor", "session_id", sessionID, "err", err)
			_ = m.fs.RemoveAll(m.sessionDir(sessionID))
			continue
		}

		if _, err := m.fs.Stat(m.stagingPath(sessionID)); err != nil {
			m.logger.Warn("session: dropping descriptor with missing staging file", "session_id", sessionID)
			_ = m.fs.RemoveAll(m.sessionDir(sessionID))
			continue
		}

		if now.Sub(time.Unix(desc.LastActivityAt, 0)) >= idleHorizon {
			m.logger.Info("session: discarding idle-expired session on startup", "session_id", sessionID)
			_ = m.fs.RemoveAll(m.sessionDir(sessionID))
			continue
		}

		if desc.State == StateAssembling {
			desc.State = StateOpen
			if err := m.saveDescriptor(&desc); err != nil {
				m.logger.Warn("session: failed to roll back assembling session", "session_id", sessionID, "err", err)
			}
		}

		m.mu.Lock()
		m.sessions[sessionID] = &handle{desc: desc}
		m.mu.Unlock()
		recovered++
	}

	return recovered, nil
}

// ExpireIdle discards every open session whose last activity is older than
// idleHorizon. Called by the Expiration Scheduler on its own cadence
// (spec.md §4.9), mirroring LoadAll's startup sweep for sessions that go
// idle mid-run rather than across a restart.
func (m *Manager) ExpireIdle(idleHorizon time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for id, h := range m.sessions {
		h.mu.Lock()
		idle := now.Sub(time.Unix(h.desc.LastActivityAt, 0)) >= idleHorizon
		h.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	for _, id := range stale {
		m.forget(id)
		_ = m.fs.RemoveAll(m.sessionDir(id))
		if onExpire != nil {
			onExpire(id)
		}
	}
	return len(stale)
}

func (m *Manager) get(sessionID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	return h, nil
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) saveDescriptor(d *Descriptor) error {
	return jsonmirror.Save(m.fs, m.descPath(d.SessionID), d)
}

func (m *Manager) reserveUniquePublicName() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		name, err := shortname.Generate(8)
		if err != nil {
			return "", err
		}
		if _, exists := m.meta.Get(name); !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("failed to find a unique public name after 8 attempts")
}

// commitStagingInPlace streams the session's staging file through the Blob
// Store's normal staging-then-commit path: it copies staging.bin into a
// fresh Blob Store reservation (Reserve/OpenStaging), then Commits it. A
// plain rename isn't used here because the staging file lives in the
// session's own directory, not the Blob Store's staging tree, and the spec
// requires commit to go through the same content-hash lock as every other
// publish path (spec.md §4.6: "Finalisation acquires a Blob Store commit
// lock keyed by content hash to collapse simultaneous assemblies of
// identical content").
func (m *Manager) commitStagingInPlace(sessionID string, declaredHash blobstore.Hash) (blobstore.Handle, string, error) {
	src, err := m.fs.Open(m.stagingPath(sessionID))
	if err != nil {
		return blobstore.Handle{}, "", err
	}
	defer src.Close() //nolint:errcheck

	// Sniff before committing so a disguised executable assembled across
	// chunks is rejected the same way a single-shot upload's commitStream
	// rejects one (spec.md §4.5 step 3).
	detected, full, err := contenttype.Sniff(src)
	if err != nil {
		return blobstore.Handle{}, "", err
	}
	if contenttype.IsExecutableMIME(detected) {
		return blobstore.Handle{}, "", apperr.New(apperr.ForbiddenExtension, "assembled content is a disguised executable")
	}

	sh, err := m.blobs.Reserve()
	if err != nil {
		return blobstore.Handle{}, "", err
	}
	dst, err := m.blobs.OpenStaging(sh)
	if err != nil {
		m.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, "", err
	}
	if _, err := io.Copy(dst, full); err != nil {
		dst.Close() //nolint:errcheck
		m.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, "", err
	}
	if err := dst.Close(); err != nil {
		m.blobs.DiscardStaging(sh)
		return blobstore.Handle{}, "", err
	}

	handle, _, err := m.blobs.Commit(sh, declaredHash)
	return handle, detected, err
}
