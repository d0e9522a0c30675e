// Package scheduler is the Expiration Scheduler: time-based maintenance
// running on its own cadence, distinct from request handlers (spec.md
// §4.9).
//
// Grounded directly on the teacher's internal/cleanup.RunPeriodic — same
// ticker-plus-immediate-first-pass shape, same context-cancellation
// lifecycle. Generalised from a single "remove stale session dirs" duty
// into the spec's six-part tick: expire file records, expire chunk
// sessions, expire temporary bans, compact rate-limiter idle buckets,
// reclaim orphaned blob staging files, and sweep unlinkable blobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/quota"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
	"github.com/zynqcloud/driftbin/internal/session"
)

// expireBatchSize bounds how many metadata records a single tick removes,
// so the scheduler "must never hold the Metadata Store writer lock longer
// than one batch" (spec.md §4.9).
const expireBatchSize = 500

// Scheduler owns the periodic maintenance tick.
type Scheduler struct {
	meta     *metadata.Store
	sessions *session.Manager
	bans     *ratelimit.BanList
	limiter  *ratelimit.Limiter
	observer *quota.Observer
	blobs    *blobstore.Store

	sessionIdleHorizon    time.Duration
	bucketIdleHorizon     time.Duration
	stagingReclaimHorizon time.Duration

	logger *slog.Logger
}

// New creates a Scheduler.
func New(meta *metadata.Store, sessions *session.Manager, bans *ratelimit.BanList, limiter *ratelimit.Limiter, observer *quota.Observer, blobs *blobstore.Store, sessionIdleHorizon, bucketIdleHorizon, stagingReclaimHorizon time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		meta:                  meta,
		sessions:              sessions,
		bans:                  bans,
		limiter:               limiter,
		observer:              observer,
		blobs:                 blobs,
		sessionIdleHorizon:    sessionIdleHorizon,
		bucketIdleHorizon:     bucketIdleHorizon,
		stagingReclaimHorizon: stagingReclaimHorizon,
		logger:                logger,
	}
}

// Tick runs one maintenance pass: expire file records, expire idle chunk
// sessions, expire temporary bans, compact idle rate-limiter buckets,
// reclaim orphaned blob staging files, and sweep unlinkable blobs — in that
// order, matching spec.md §4.9's list plus the §4.3/§4.6 crash-recovery
// reclamation.
func (s *Scheduler) Tick() {
	now := time.Now().Unix()

	expired := s.meta.ExpireBatch(now, expireBatchSize)
	if len(expired) > 0 {
		s.logger.Info("scheduler: expired file records", "count", len(expired))
	}

	if n := s.sessions.ExpireIdle(s.sessionIdleHorizon); n > 0 {
		s.logger.Info("scheduler: expired idle chunk sessions", "count", n)
	}

	if n := s.bans.ExpireTemporary(); n > 0 {
		s.logger.Info("scheduler: expired temporary bans", "count", n)
	}

	if n := s.limiter.CompactIdle(s.bucketIdleHorizon); n > 0 {
		s.logger.Info("scheduler: compacted idle rate-limit buckets", "count", n)
	}

	if n := s.blobs.ReclaimOrphanedStaging(s.stagingReclaimHorizon); n > 0 {
		s.logger.Info("scheduler: reclaimed orphaned staging files", "count", n)
	}

	if n := s.blobs.SweepUnlinkable(); n > 0 {
		s.logger.Info("scheduler: unlinked grace-expired blobs", "count", n)
	}

	s.observer.Recompute()
}

// RunPeriodic starts a background goroutine that calls Tick on every
// interval until ctx is cancelled. A first pass runs immediately at
// startup, the same way the teacher's cleanup.RunPeriodic flushes state
// left over from a prior crash before the first ticker fires.
func (s *Scheduler) RunPeriodic(ctx context.Context, interval time.Duration) {
	go func() {
		s.Tick()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()
}
