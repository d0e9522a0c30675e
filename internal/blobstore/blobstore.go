// Package blobstore is the content-addressed Blob Store: blobs are keyed by
// the SHA-256 of their payload, staged in a tree distinct from the final
// tree, committed atomically, and reference-counted so identical uploads
// from different owners share one on-disk file.
//
// The sharded layout, the per-hash lock, and the temp-then-rename commit
// are all a direct generalisation of the teacher's internal/store/cas.go —
// that package already solved exactly this problem for a narrower slice of
// uploads (MIME-eligible dedup candidates only). Here every blob goes
// through the same path, and a reference count plus a grace-window delayed
// unlink are added per spec.md §3/§4.3.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Hash is a hex-encoded SHA-256 digest, the Blob Store's key type.
type Hash string

// Handle describes a committed blob.
type Handle struct {
	Hash Hash
	Path string // path relative to the store root
	Size int64
}

// StagingHandle is a reservation for an in-progress write. The caller
// streams bytes into the staging file via Store.OpenStaging and then calls
// Store.Commit.
type StagingHandle struct {
	id   string
	path string // absolute path inside the staging tree
}

// MismatchError is returned by Commit when a caller-declared hash disagrees
// with the computed one.
type MismatchError struct {
	Declared Hash
	Computed Hash
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("blobstore: declared hash %s does not match computed hash %s", e.Declared, e.Computed)
}

// refCount tracks live references and, once it reaches zero, the moment it
// did so; the blob becomes eligible for unlink a grace window after that.
type refCount struct {
	count        int
	zeroSince    time.Time
	pendingUnlink bool
}

// Store is a content-addressed blob store rooted at root, with staging
// files kept in a sibling tree so a crash mid-write can never produce a
// partial file at a published blob path.
type Store struct {
	fs           afero.Fs
	root         string // {root}/blobs/{ab}/{cd}/{hash}
	stagingRoot  string // {root}/staging/{random}
	graceWindow  time.Duration
	logger       *slog.Logger

	hashLocks sync.Map // map[Hash]*sync.Mutex — serialises commits per hash

	mu   sync.Mutex
	refs map[Hash]*refCount
}

// New creates a Store. blobsRoot and stagingRoot must be distinct directory
// trees (spec.md §5: "a blob tree named by hash, and a staging tree").
func New(fs afero.Fs, blobsRoot, stagingRoot string, graceWindow time.Duration, logger *slog.Logger) (*Store, error) {
	if err := fs.MkdirAll(blobsRoot, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create blobs root: %w", err)
	}
	if err := fs.MkdirAll(stagingRoot, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create staging root: %w", err)
	}
	return &Store{
		fs:          fs,
		root:        blobsRoot,
		stagingRoot: stagingRoot,
		graceWindow: graceWindow,
		logger:      logger,
		refs:        make(map[Hash]*refCount),
	}, nil
}

func (s *Store) blobPath(h Hash) string {
	hs := string(h)
	if len(hs) < 4 {
		return filepath.Join(s.root, hs)
	}
	return filepath.Join(s.root, hs[0:2], hs[2:4], hs)
}

// Lookup returns the stored blob's handle, or ok=false if absent.
func (s *Store) Lookup(h Hash) (handle Handle, ok bool) {
	abs := s.blobPath(h)
	info, err := s.fs.Stat(abs)
	if err != nil {
		return Handle{}, false
	}
	return Handle{Hash: h, Path: abs, Size: info.Size()}, true
}

// Reserve creates a fresh staging file path. The caller writes to it via
// OpenStaging before calling Commit.
func (s *Store) Reserve() (StagingHandle, error) {
	if err := s.fs.MkdirAll(s.stagingRoot, 0o750); err != nil {
		return StagingHandle{}, fmt.Errorf("blobstore: mkdir staging: %w", err)
	}
	f, err := afero.TempFile(s.fs, s.stagingRoot, ".blob-*")
	if err != nil {
		return StagingHandle{}, fmt.Errorf("blobstore: create staging file: %w", err)
	}
	path := f.Name()
	f.Close() //nolint:errcheck
	return StagingHandle{id: filepath.Base(path), path: path}, nil
}

// OpenStaging opens a reserved staging file for writing.
func (s *Store) OpenStaging(sh StagingHandle) (afero.File, error) {
	return s.fs.OpenFile(sh.path, os.O_WRONLY|os.O_TRUNC, 0o640)
}

// DiscardStaging unlinks a reservation that will never be committed (e.g.
// the request was cancelled, or a checksum mismatch was detected).
func (s *Store) DiscardStaging(sh StagingHandle) {
	_ = s.fs.Remove(sh.path)
}

// Commit hashes the staging file's contents and either publishes it as a
// new blob or, if a blob with that hash already exists (a concurrent commit
// of identical content), discards the staging file and returns the
// existing blob. If declaredHash is non-empty and disagrees with the
// computed hash, the staging file is left untouched and a *MismatchError is
// returned so the caller can decide how to react. The returned bool
// reports whether this call published a new on-disk blob (false when an
// identical blob already existed).
func (s *Store) Commit(sh StagingHandle, declaredHash Hash) (Handle, bool, error) {
	f, err := s.fs.Open(sh.path)
	if err != nil {
		return Handle{}, false, fmt.Errorf("blobstore: open staging for hashing: %w", err)
	}
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	f.Close() //nolint:errcheck
	if err != nil {
		return Handle{}, false, fmt.Errorf("blobstore: hash staging: %w", err)
	}
	computed := Hash(hex.EncodeToString(hasher.Sum(nil)))

	if declaredHash != "" && declaredHash != computed {
		return Handle{}, false, &MismatchError{Declared: declaredHash, Computed: computed}
	}

	unlock := s.lockHash(computed)
	defer unlock()

	blobAbs := s.blobPath(computed)
	if info, err := s.fs.Stat(blobAbs); err == nil {
		s.DiscardStaging(sh)
		return Handle{Hash: computed, Path: blobAbs, Size: info.Size()}, false, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(blobAbs), 0o750); err != nil {
		return Handle{}, false, fmt.Errorf("blobstore: mkdir blob dir: %w", err)
	}
	if err := s.fs.Rename(sh.path, blobAbs); err != nil {
		return Handle{}, false, fmt.Errorf("blobstore: publish blob: %w", err)
	}

	return Handle{Hash: computed, Path: blobAbs, Size: n}, true, nil
}

// Incref increments the live reference count for hash.
func (s *Store) Incref(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.refs[h]
	if !ok {
		rc = &refCount{}
		s.refs[h] = rc
	}
	rc.count++
	rc.pendingUnlink = false
	rc.zeroSince = time.Time{}
}

// Decref decrements the live reference count for hash. When the count
// reaches zero, the blob is marked pending unlink after the grace window —
// the Expiration Scheduler's SweepUnlinkable performs the actual unlink.
func (s *Store) Decref(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.refs[h]
	if !ok || rc.count == 0 {
		return
	}
	rc.count--
	if rc.count == 0 {
		rc.zeroSince = time.Now()
		rc.pendingUnlink = true
	}
}

// RefCount reports the current reference count for hash (0 if unknown).
func (s *Store) RefCount(h Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.refs[h]; ok {
		return rc.count
	}
	return 0
}

// SetRefCount is used at startup to seed reference counts from the
// reconstructed Metadata Store (spec.md §4.4: "used to reconstruct the
// in-memory state and blob refcounts").
func (s *Store) SetRefCount(h Hash, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		delete(s.refs, h)
		return
	}
	s.refs[h] = &refCount{count: n}
}

// OpenForRead opens hash for streaming. Succeeds even if a decref to zero is
// pending, as long as the grace window has not yet elapsed — spec.md §4.3.
func (s *Store) OpenForRead(h Hash) (afero.File, int64, error) {
	abs := s.blobPath(h)
	f, err := s.fs.Open(abs)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// SweepUnlinkable unlinks every blob whose reference count has been zero
// past the grace window. Returns the number of blobs removed. Called by the
// Expiration Scheduler on its own cadence (spec.md §4.9).
func (s *Store) SweepUnlinkable() int {
	now := time.Now()
	var toUnlink []Hash

	s.mu.Lock()
	for h, rc := range s.refs {
		if rc.count == 0 && rc.pendingUnlink && now.Sub(rc.zeroSince) >= s.graceWindow {
			toUnlink = append(toUnlink, h)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, h := range toUnlink {
		abs := s.blobPath(h)
		if err := s.fs.Remove(abs); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("blobstore: unlink failed", "hash", h, "err", err)
			continue
		}
		s.mu.Lock()
		delete(s.refs, h)
		s.mu.Unlock()
		removed++
	}
	return removed
}

// ReclaimOrphanedStaging removes staging files older than olderThan that
// were never committed — crash-recovery counterpart to Commit's atomicity
// guarantee (spec.md §4.3 invariants: "a process crash mid-commit leaves
// either the staging file ... or the final published blob").
func (s *Store) ReclaimOrphanedStaging(olderThan time.Duration) int {
	entries, err := afero.ReadDir(s.fs, s.stagingRoot)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.ModTime().Before(cutoff) {
			if err := s.fs.Remove(filepath.Join(s.stagingRoot, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed
}

func (s *Store) lockHash(h Hash) (unlock func()) {
	v, _ := s.hashLocks.LoadOrStore(h, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
