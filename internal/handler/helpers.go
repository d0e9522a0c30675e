package handler

import (
	"sync"
	"time"

	"github.com/zynqcloud/driftbin/internal/admission"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
	"github.com/zynqcloud/driftbin/internal/shortname"
)

// reservationTable holds the admission Reservation belonging to each open
// chunk session, since a chunked upload's Release happens on a later
// request (complete or cancel) than the Admit that created it — unlike the
// single-shot path, where both happen in the same handler call.
type reservationTable struct {
	mu   sync.Mutex
	byID map[string]*admission.Reservation
}

func newReservationTable() *reservationTable {
	return &reservationTable{byID: make(map[string]*admission.Reservation)}
}

func (t *reservationTable) put(sessionID string, res *admission.Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[sessionID] = res
}

// take removes and returns the reservation for sessionID, if any.
func (t *reservationTable) take(sessionID string) (*admission.Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.byID[sessionID]
	if ok {
		delete(t.byID, sessionID)
	}
	return res, ok
}

// releaseSessionReservation is registered as sessions.SetOnExpire so a
// session the Chunk Session Manager discards via idle expiry — rather than
// an explicit ChunkComplete/ChunkCancel — still returns its admission slot.
// Without this, admission.Gate.pending for an owner who abandons chunk
// sessions would only ever grow (spec.md §4.5 + §4.9).
func (h *Handler) releaseSessionReservation(sessionID string) {
	if res, ok := h.sessionReservations.take(sessionID); ok {
		res.Release()
	}
}

func admissionRequest(owner privacy.OwnerID, filename string, size int64, hash blobstore.Hash, family ratelimit.RouteFamily) admission.Request {
	return admission.Request{
		Owner:        owner,
		Filename:     filename,
		DeclaredSize: size,
		DeclaredHash: hash,
		Family:       family,
	}
}

// publicNameLength matches the Chunk Session Manager's public names
// (internal/shortname.Generate) so both upload paths produce tokens of the
// same shape.
const publicNameLength = 8

func newPublicName() (string, error) {
	return shortname.Generate(publicNameLength)
}

func (h *Handler) now() int64 {
	return time.Now().Unix()
}
