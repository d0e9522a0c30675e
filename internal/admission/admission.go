// Package admission is the single-request gate ahead of either upload path
// (spec.md §4.5): not-banned, rate-limited, forbidden-extension, size,
// global quota, per-owner active cap, duplicate short-circuit, in that
// order, first-failure-wins.
//
// Admit itself reserves the per-owner cap slot before running the duplicate
// check rather than after, since the duplicate lookup needs to release that
// slot on its own failure path anyway — see the reserve/lookup ordering
// inside Admit.
//
// Grounded on the teacher's internal/middleware/limit.go, which already
// gates requests with an acquire/release semaphore around the upload path;
// this generalises that single global limit into the spec's ordered,
// multi-check pipeline and adds the per-owner reservation that must outlive
// the single gate check (it's released on completion, failure, or
// cancellation, not at the end of the admission call itself).
package admission

import (
	"sync"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/contenttype"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/quota"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
)

// Request is the caller-declared shape of an incoming upload, before any
// bytes are read.
type Request struct {
	Owner        privacy.OwnerID
	Filename     string
	DeclaredSize int64
	DeclaredHash blobstore.Hash // empty if not yet known (chunked uploads supply it late)
	Family       ratelimit.RouteFamily
}

// Reservation holds one slot against the per-owner active-file cap until
// Release is called — on upload completion, failure, or explicit
// cancellation (spec.md §4.5: "a short-lived reservation that holds one
// slot ... until the upload completes, fails, or is cancelled").
type Reservation struct {
	owner   privacy.OwnerID
	gate    *Gate
	released bool
	mu      sync.Mutex
}

// Release returns the reservation's slot. Safe to call more than once.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.gate.releaseSlot(r.owner)
}

// Gate runs the ordered admission pipeline.
type Gate struct {
	bans    *ratelimit.BanList
	limiter *ratelimit.Limiter
	meta    *metadata.Store
	observer *quota.Observer

	maxFileBytes           uint64
	maxActiveFilesPerOwner int

	mu         sync.Mutex
	pending    map[privacy.OwnerID]int // in-flight reservations not yet reflected in metadata.Store
}

// New creates a Gate.
func New(bans *ratelimit.BanList, limiter *ratelimit.Limiter, meta *metadata.Store, observer *quota.Observer, maxFileBytes uint64, maxActiveFilesPerOwner int) *Gate {
	return &Gate{
		bans:                   bans,
		limiter:                limiter,
		meta:                   meta,
		observer:               observer,
		maxFileBytes:           maxFileBytes,
		maxActiveFilesPerOwner: maxActiveFilesPerOwner,
		pending:                make(map[privacy.OwnerID]int),
	}
}

// Admit runs every check in spec order and, on success, returns a
// Reservation the caller must Release exactly once.
func (g *Gate) Admit(req Request) (*Reservation, error) {
	if g.bans.IsBanned(req.Owner) {
		return nil, apperr.New(apperr.Banned, "this client is banned")
	}

	if allowed, retryAfter := g.limiter.Admit(req.Owner, req.Family); !allowed {
		return nil, &apperr.Error{Kind: apperr.RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
	}

	if contenttype.IsForbiddenExtension(req.Filename) {
		return nil, apperr.New(apperr.ForbiddenExtension, "file extension is not allowed")
	}

	if req.DeclaredSize > int64(g.maxFileBytes) {
		return nil, apperr.New(apperr.TooLarge, "declared size exceeds the maximum allowed file size")
	}

	if g.observer.WouldExceed(req.DeclaredSize) {
		return nil, apperr.New(apperr.QuotaBlocked, "global storage quota exhausted")
	}

	if err := g.reserveSlot(req.Owner); err != nil {
		return nil, err
	}

	if req.DeclaredHash != "" {
		if existing, dup := g.meta.FindByHash(req.Owner, req.DeclaredHash); dup {
			g.releaseSlot(req.Owner)
			return nil, apperr.New(apperr.Duplicate, "identical content already uploaded").WithName(existing.PublicName)
		}
	}

	return &Reservation{owner: req.Owner, gate: g}, nil
}

func (g *Gate) reserveSlot(owner privacy.OwnerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := g.meta.CountOwnedBy(owner) + g.pending[owner]
	if active >= g.maxActiveFilesPerOwner {
		return apperr.New(apperr.ActiveCapReached, "active file cap reached for this client")
	}
	g.pending[owner]++
	return nil
}

func (g *Gate) releaseSlot(owner privacy.OwnerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[owner] > 0 {
		g.pending[owner]--
		if g.pending[owner] == 0 {
			delete(g.pending, owner)
		}
	}
}
