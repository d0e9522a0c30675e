package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/zynqcloud/driftbin/internal/jsonmirror"
	"github.com/zynqcloud/driftbin/internal/privacy"
)

// banMirrorFile is the JSON mirror name under the data directory, matching
// the layout spec.md §6 names explicitly.
const banMirrorFile = "ip_bans.json"

// banEntry is one persisted ban — owner identifier plus an expiration, or
// permanent (ExpiresAt == 0).
type banEntry struct {
	Owner     privacy.OwnerID `json:"owner"`
	Reason    string          `json:"reason,omitempty"`
	ExpiresAt int64           `json:"expires_at"` // unix seconds; 0 = permanent
}

// BanList tracks banned owners, persisted to a JSON mirror. Expired
// temporary bans are lazily removed on read.
type BanList struct {
	mu     sync.Mutex
	bans   map[privacy.OwnerID]banEntry
	fs     afero.Fs
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewBanList loads bans from dataDir/ip_bans.json if present.
func NewBanList(fs afero.Fs, dataDir string, logger *slog.Logger) (*BanList, error) {
	bl := &BanList{
		bans:   make(map[privacy.OwnerID]banEntry),
		fs:     fs,
		path:   dataDir + "/" + banMirrorFile,
		logger: logger,
		now:    time.Now,
	}
	var entries []banEntry
	ok, err := jsonmirror.Load(fs, bl.path, &entries)
	if err != nil {
		return nil, err
	}
	if ok {
		for _, e := range entries {
			bl.bans[e.Owner] = e
		}
	}
	return bl, nil
}

// IsBanned reports whether owner is currently banned. Expired temporary
// bans are removed as a side effect, matching spec.md §4.2's "lazily
// removed on read" contract — but removal does not persist immediately;
// the next RecordBan/Unban call will rewrite the mirror without it.
func (b *BanList) IsBanned(owner privacy.OwnerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.bans[owner]
	if !ok {
		return false
	}
	if e.ExpiresAt != 0 && e.ExpiresAt <= b.now().Unix() {
		delete(b.bans, owner)
		return false
	}
	return true
}

// RecordBan persists a ban for owner. duration == 0 means permanent.
// Persistence failure is returned to the caller — spec.md §4.2: "Persistence
// failure on ban write is fatal to the request that attempted the mutation."
func (b *BanList) RecordBan(owner privacy.OwnerID, duration time.Duration, reason string) error {
	b.mu.Lock()
	var expires int64
	if duration > 0 {
		expires = b.now().Add(duration).Unix()
	}
	b.bans[owner] = banEntry{Owner: owner, Reason: reason, ExpiresAt: expires}
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	return jsonmirror.Save(b.fs, b.path, snapshot)
}

// Unban removes any ban on owner and persists the change.
func (b *BanList) Unban(owner privacy.OwnerID) error {
	b.mu.Lock()
	delete(b.bans, owner)
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	return jsonmirror.Save(b.fs, b.path, snapshot)
}

// ExpireTemporary drops temporary bans past their expiration and rewrites
// the mirror if anything changed. Called by the Expiration Scheduler.
func (b *BanList) ExpireTemporary() (expired int) {
	b.mu.Lock()
	now := b.now().Unix()
	for owner, e := range b.bans {
		if e.ExpiresAt != 0 && e.ExpiresAt <= now {
			delete(b.bans, owner)
			expired++
		}
	}
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	if expired > 0 {
		if err := jsonmirror.Save(b.fs, b.path, snapshot); err != nil {
			b.logger.Error("ban list: mirror rewrite failed after expiry sweep", "err", err)
		}
	}
	return expired
}

func (b *BanList) snapshotLocked() []banEntry {
	out := make([]banEntry, 0, len(b.bans))
	for _, e := range b.bans {
		out = append(out, e)
	}
	return out
}
