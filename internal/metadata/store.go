// Package metadata is the Metadata Store: the authoritative map from public
// name to file record, the owner index, and the JSON mirrors that
// reconstruct both at startup.
//
// Every mutation happens under a single writer lock and is followed by a
// synchronous rewrite of the JSON mirror via internal/jsonmirror — the same
// temp-then-rename discipline the teacher's store.Local.Write uses for blob
// bytes, generalised to whole-document metadata (spec.md §4.4, Open
// Question (c): batching is permitted, but this implementation keeps the
// mirror rewrite inside the mutation's critical section rather than
// deferring it, trading a little latency for a zero-staleness recovery
// story — see DESIGN.md).
package metadata

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/jsonmirror"
	"github.com/zynqcloud/driftbin/internal/privacy"
)

const (
	recordsMirrorFile    = "file_owners.json"
	ownerIndexMirrorFile = "owner_index.json"
)

// Record is a file record as described in spec.md §3.
type Record struct {
	PublicName string          `json:"public_name"`
	Owner      privacy.OwnerID `json:"owner"`
	Original   string          `json:"original"`
	Size       int64           `json:"size"`
	ContentHash blobstore.Hash `json:"content_hash"`
	// ContentType is the MIME type contenttype.Sniff detected at commit
	// time. Empty for no record currently produced this way (there is none
	// — every commit path sniffs it) but kept a plain string rather than a
	// required field so the Download Server can still fall back to
	// contenttype.ForDownload for any future commit path that skips it.
	ContentType string  `json:"content_type,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	ExpiresAt   int64   `json:"expires_at"`
	TTLCode     TTLCode `json:"ttl_code"`
}

// Store is the in-memory, JSON-mirrored Metadata Store.
type Store struct {
	fs        afero.Fs
	path      string
	ownerPath string
	logger    *slog.Logger

	mu         sync.RWMutex
	byName     map[string]Record
	byOwner    map[privacy.OwnerID]map[string]struct{} // owner -> set of public names
	blobs      *blobstore.Store
}

// New creates a Store backed by dataDir/file_owners.json, loading existing
// state if present.
func New(fs afero.Fs, dataDir string, blobs *blobstore.Store, logger *slog.Logger) (*Store, error) {
	s := &Store{
		fs:        fs,
		path:      dataDir + "/" + recordsMirrorFile,
		ownerPath: dataDir + "/" + ownerIndexMirrorFile,
		logger:    logger,
		byName:    make(map[string]Record),
		byOwner:   make(map[privacy.OwnerID]map[string]struct{}),
		blobs:     blobs,
	}

	var records []Record
	ok, err := jsonmirror.Load(fs, s.path, &records)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s, nil
	}

	for _, r := range records {
		// spec.md §4.4: "records pointing at missing blobs are dropped with
		// a warning" — validate against the reconstructed Blob Store.
		if _, exists := blobs.Lookup(r.ContentHash); !exists {
			logger.Warn("metadata: dropping record with missing blob", "name", r.PublicName, "hash", r.ContentHash)
			continue
		}
		s.insertLocked(r)
		blobs.Incref(r.ContentHash)
	}
	return s, nil
}

// Create inserts record atomically. Fails with apperr.Duplicate if the
// public name already exists.
func (s *Store) Create(r Record) error {
	s.mu.Lock()
	if _, exists := s.byName[r.PublicName]; exists {
		s.mu.Unlock()
		return apperr.New(apperr.Duplicate, "public name already exists")
	}
	s.insertLocked(r)
	snapshot := s.snapshotLocked()
	ownerSnap := s.ownerIndexSnapshotLocked()
	s.mu.Unlock()

	s.blobs.Incref(r.ContentHash)

	if err := s.saveMirrors(snapshot, ownerSnap); err != nil {
		// spec.md §7: mirror-write failure after a successful in-memory
		// mutation is logged and surfaced as Internal; the mutation stands.
		s.logger.Error("metadata: mirror write failed after create", "name", r.PublicName, "err", err)
		return apperr.Wrap(err, "metadata mirror write failed")
	}
	return nil
}

// Get looks up a record by public name.
func (s *Store) Get(publicName string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byName[publicName]
	return r, ok
}

// ListOwnedBy returns owner's live records ordered by CreatedAt ascending.
func (s *Store) ListOwnedBy(owner privacy.OwnerID) []Record {
	s.mu.RLock()
	names := s.byOwner[owner]
	out := make([]Record, 0, len(names))
	for n := range names {
		out = append(out, s.byName[n])
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// CountOwnedBy reports the owner's current active-file count (spec.md §3:
// "each record contributes exactly 1 to its owner's active-file count").
func (s *Store) CountOwnedBy(owner privacy.OwnerID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOwner[owner])
}

// FindByHash returns the first live record owned by owner with the given
// content hash, used by the duplicate short-circuit (spec.md §4.5).
func (s *Store) FindByHash(owner privacy.OwnerID, hash blobstore.Hash) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n := range s.byOwner[owner] {
		r := s.byName[n]
		if r.ContentHash == hash {
			return r, true
		}
	}
	return Record{}, false
}

// Remove deletes publicName if byOwner matches its recorded owner, or if
// privileged is true (the Expiration Scheduler's privileged path). On
// success the blob's reference count is decremented.
func (s *Store) Remove(publicName string, byOwner privacy.OwnerID, privileged bool) (Record, error) {
	s.mu.Lock()
	r, ok := s.byName[publicName]
	if !ok {
		s.mu.Unlock()
		return Record{}, apperr.New(apperr.NotFound, "file not found")
	}
	if !privileged && r.Owner != byOwner {
		s.mu.Unlock()
		return Record{}, apperr.New(apperr.NotFound, "file not found")
	}
	s.removeLocked(r)
	snapshot := s.snapshotLocked()
	ownerSnap := s.ownerIndexSnapshotLocked()
	s.mu.Unlock()

	s.blobs.Decref(r.ContentHash)

	if err := s.saveMirrors(snapshot, ownerSnap); err != nil {
		s.logger.Error("metadata: mirror write failed after remove", "name", publicName, "err", err)
		return r, apperr.Wrap(err, "metadata mirror write failed")
	}
	return r, nil
}

// ExpireBatch removes every live record whose ExpiresAt <= now, up to max
// records, returning the removed records. Used by the Expiration Scheduler,
// which must never hold the writer lock longer than one bounded batch
// (spec.md §4.9).
func (s *Store) ExpireBatch(now int64, max int) []Record {
	s.mu.Lock()
	var expired []Record
	for _, r := range s.byName {
		if len(expired) >= max {
			break
		}
		if r.ExpiresAt <= now {
			expired = append(expired, r)
			s.removeLocked(r)
		}
	}
	snapshot := s.snapshotLocked()
	ownerSnap := s.ownerIndexSnapshotLocked()
	s.mu.Unlock()

	for _, r := range expired {
		s.blobs.Decref(r.ContentHash)
	}

	if len(expired) > 0 {
		if err := s.saveMirrors(snapshot, ownerSnap); err != nil {
			s.logger.Error("metadata: mirror write failed after expiry batch", "err", err)
		}
	}
	return expired
}

// TotalBytes sums the size of every live record, for the Quota Observer.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.byName {
		total += r.Size
	}
	return total
}

func (s *Store) insertLocked(r Record) {
	s.byName[r.PublicName] = r
	if s.byOwner[r.Owner] == nil {
		s.byOwner[r.Owner] = make(map[string]struct{})
	}
	s.byOwner[r.Owner][r.PublicName] = struct{}{}
}

func (s *Store) removeLocked(r Record) {
	delete(s.byName, r.PublicName)
	if set, ok := s.byOwner[r.Owner]; ok {
		delete(set, r.PublicName)
		if len(set) == 0 {
			delete(s.byOwner, r.Owner)
		}
	}
}

func (s *Store) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.byName))
	for _, r := range s.byName {
		out = append(out, r)
	}
	return out
}

// ownerIndexSnapshotLocked builds the owner→names projection mirrored to
// owner_index.json (spec.md §4.4: "A second JSON file mirrors the
// owner→names index"). It is purely derived from byOwner and is not
// consulted on load — file_owners.json alone is sufficient to reconstruct
// both maps — so a failed write here never jeopardises recovery.
func (s *Store) ownerIndexSnapshotLocked() map[privacy.OwnerID][]string {
	out := make(map[privacy.OwnerID][]string, len(s.byOwner))
	for owner, names := range s.byOwner {
		list := make([]string, 0, len(names))
		for n := range names {
			list = append(list, n)
		}
		sort.Strings(list)
		out[owner] = list
	}
	return out
}

// saveMirrors writes the record and owner-index snapshots (taken by the
// caller under s.mu) to their JSON mirrors. Only a failure to write the
// records mirror is returned; an owner-index failure is logged.
func (s *Store) saveMirrors(records []Record, ownerIndex map[privacy.OwnerID][]string) error {
	if err := jsonmirror.Save(s.fs, s.path, records); err != nil {
		return err
	}
	if err := jsonmirror.Save(s.fs, s.ownerPath, ownerIndex); err != nil {
		s.logger.Warn("metadata: owner index mirror write failed (non-authoritative)", "err", err)
	}
	return nil
}
