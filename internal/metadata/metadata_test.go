package metadata_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
)

func newTestStore(t *testing.T) (*metadata.Store, *blobstore.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.DiscardHandler)
	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	return meta, blobs, fs
}

func sampleRecord(name string, owner string, hash string) metadata.Record {
	return metadata.Record{
		PublicName:  name,
		Owner:       privacy.OwnerID("owner-" + owner),
		Original:    "report.pdf",
		Size:        1024,
		ContentHash: blobstore.Hash(hash),
		CreatedAt:   1000,
		ExpiresAt:   1000 + metadata.SecondsFor(metadata.TTL1h),
		TTLCode:     metadata.TTL1h,
	}
}

func TestCreateAndGet(t *testing.T) {
	meta, _, _ := newTestStore(t)
	rec := sampleRecord("abc12345", "alice", "hash-a")

	require.NoError(t, meta.Create(rec))

	got, ok := meta.Get("abc12345")
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	meta, _, _ := newTestStore(t)
	rec := sampleRecord("abc12345", "alice", "hash-a")
	require.NoError(t, meta.Create(rec))

	err := meta.Create(sampleRecord("abc12345", "bob", "hash-b"))
	require.True(t, apperr.As(err, apperr.Duplicate))
}

func TestFindByHashScopedToOwner(t *testing.T) {
	meta, _, _ := newTestStore(t)
	require.NoError(t, meta.Create(sampleRecord("aaa11111", "alice", "shared-hash")))

	_, found := meta.FindByHash("owner-alice", blobstore.Hash("shared-hash"))
	require.True(t, found)

	_, found = meta.FindByHash("owner-bob", blobstore.Hash("shared-hash"))
	require.False(t, found)
}

func TestRemoveRejectsWrongOwner(t *testing.T) {
	meta, blobs, _ := newTestStore(t)
	rec := sampleRecord("aaa11111", "alice", "hash-a")
	require.NoError(t, meta.Create(rec))
	blobs.Incref(rec.ContentHash)

	_, err := meta.Remove("aaa11111", "owner-bob", false)
	require.True(t, apperr.As(err, apperr.NotFound))

	_, err = meta.Remove("aaa11111", "owner-alice", false)
	require.NoError(t, err)
	_, ok := meta.Get("aaa11111")
	require.False(t, ok)
}

func TestExpireBatchDecrefsBlobs(t *testing.T) {
	meta, blobs, _ := newTestStore(t)
	rec := sampleRecord("aaa11111", "alice", "hash-a")
	rec.ExpiresAt = 500
	require.NoError(t, meta.Create(rec))

	expired := meta.ExpireBatch(1000, 10)
	require.Len(t, expired, 1)
	require.Equal(t, 0, blobs.RefCount(rec.ContentHash))

	_, ok := meta.Get("aaa11111")
	require.False(t, ok)
}

func TestCountAndTotalBytes(t *testing.T) {
	meta, _, _ := newTestStore(t)
	require.NoError(t, meta.Create(sampleRecord("aaa11111", "alice", "hash-a")))
	require.NoError(t, meta.Create(sampleRecord("bbb22222", "alice", "hash-b")))

	require.Equal(t, 2, meta.CountOwnedBy("owner-alice"))
	require.EqualValues(t, 2048, meta.TotalBytes())
}

func TestReloadDropsRecordsWithMissingBlobs(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.DiscardHandler)
	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	require.NoError(t, meta.Create(sampleRecord("aaa11111", "alice", "hash-that-does-not-exist")))

	// Reopen against the same filesystem — the blob was never actually
	// written to the blob tree, so the reload must drop the record.
	blobs2, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta2, err := metadata.New(fs, "/data", blobs2, logger)
	require.NoError(t, err)

	_, ok := meta2.Get("aaa11111")
	require.False(t, ok)
}
