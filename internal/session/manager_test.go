package session_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/driftbin/internal/apperr"
	"github.com/zynqcloud/driftbin/internal/blobstore"
	"github.com/zynqcloud/driftbin/internal/jsonmirror"
	"github.com/zynqcloud/driftbin/internal/metadata"
	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/session"
)

const testOwner = privacy.OwnerID("owner-alice")

func newTestManager(t *testing.T, fs afero.Fs) (*session.Manager, *blobstore.Store, *metadata.Store) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	mgr := session.New(fs, "/data/chunks", 4, 1024, 100, blobs, meta, logger)
	return mgr, blobs, meta
}

func TestInitComputesTotalChunks(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	res, err := mgr.Init(session.InitParams{
		Owner:     testOwner,
		Filename:  "report.pdf",
		Size:      10,
		ChunkSize: 4,
		TTLCode:   metadata.TTL1h,
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalChunks) // 4, 4, 2
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.ReservedPublicName)
}

func TestInitRejectsNonPositiveSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	_, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 0, ChunkSize: 4})
	require.True(t, apperr.As(err, apperr.MalformedChunk))
}

func TestInitRejectsTooManyChunks(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.DiscardHandler)
	blobs, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta, err := metadata.New(fs, "/data", blobs, logger)
	require.NoError(t, err)
	mgr := session.New(fs, "/data/chunks", 4, 1024, 2, blobs, meta, logger)

	_, err = mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 100, ChunkSize: 4})
	require.True(t, apperr.As(err, apperr.TooLarge))
}

func putAllChunks(t *testing.T, mgr *session.Manager, sid string, content string, chunkSize int64) {
	t.Helper()
	for i := int64(0); i*chunkSize < int64(len(content)); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		part := content[start:end]
		require.NoError(t, mgr.PutChunk(sid, int(i), strings.NewReader(part), int64(len(part))))
	}
}

func TestPutChunkAndCompleteAssemblesContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, blobs, meta := newTestManager(t, fs)
	content := "hello world!" // 12 bytes

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "greeting.txt", Size: int64(len(content)), ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	putAllChunks(t, mgr, res.SessionID, content, 4)

	status, err := mgr.Status(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, res.TotalChunks, status.AssembledChunks)
	require.False(t, status.Completed)

	out, err := mgr.Complete(res.SessionID, testOwner, "")
	require.NoError(t, err)
	require.Equal(t, res.ReservedPublicName, out.PublicName)
	require.False(t, out.Duplicate)

	rec, ok := meta.Get(out.PublicName)
	require.True(t, ok)
	require.Equal(t, "greeting.txt", rec.Original)

	f, size, err := blobs.OpenForRead(rec.ContentHash)
	require.NoError(t, err)
	defer f.Close()
	require.EqualValues(t, len(content), size)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	require.Equal(t, content, buf.String())
}

func TestCompleteRejectsIncompleteSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)
	content := "hello world!"

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "greeting.txt", Size: int64(len(content)), ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)
	require.NoError(t, mgr.PutChunk(res.SessionID, 0, strings.NewReader(content[0:4]), 4))

	_, err = mgr.Complete(res.SessionID, testOwner, "")
	require.True(t, apperr.As(err, apperr.MalformedChunk))
}

func TestPutChunkRejectsLengthMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)
	content := "hello world!"

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "greeting.txt", Size: int64(len(content)), ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	err = mgr.PutChunk(res.SessionID, 0, strings.NewReader("ab"), 2)
	require.True(t, apperr.As(err, apperr.MalformedChunk))
}

func TestPutChunkIdempotentRetransmit(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)
	content := "hello world!"

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "greeting.txt", Size: int64(len(content)), ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	require.NoError(t, mgr.PutChunk(res.SessionID, 0, strings.NewReader(content[0:4]), 4))
	require.NoError(t, mgr.PutChunk(res.SessionID, 0, strings.NewReader(content[0:4]), 4))

	status, err := mgr.Status(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, status.AssembledChunks)
}

func TestCompleteDeduplicatesAgainstExistingRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, blobs, meta := newTestManager(t, fs)
	content := "duplicate me"

	sh, err := blobs.Reserve()
	require.NoError(t, err)
	f, err := blobs.OpenStaging(sh)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	handle, _, err := blobs.Commit(sh, "")
	require.NoError(t, err)
	require.NoError(t, meta.Create(metadata.Record{
		PublicName:  "existing1",
		Owner:       testOwner,
		Original:    "first.txt",
		Size:        int64(len(content)),
		ContentHash: handle.Hash,
		CreatedAt:   1000,
		ExpiresAt:   1000 + metadata.SecondsFor(metadata.TTL1h),
		TTLCode:     metadata.TTL1h,
	}))

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "second.txt", Size: int64(len(content)), ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)
	putAllChunks(t, mgr, res.SessionID, content, 4)

	out, err := mgr.Complete(res.SessionID, testOwner, "")
	require.True(t, apperr.As(err, apperr.Duplicate))
	require.True(t, out.Duplicate)
	require.Equal(t, "existing1", out.PublicName)
}

func TestCancelRemovesSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 8, ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(res.SessionID))

	_, err = mgr.Status(res.SessionID)
	require.True(t, apperr.As(err, apperr.NotFound))

	exists, err := afero.DirExists(fs, "/data/chunks/"+res.SessionID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLoadAllRollsBackAssemblingState(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 8, ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)
	require.NoError(t, mgr.PutChunk(res.SessionID, 0, strings.NewReader("abcd"), 4))
	require.NoError(t, mgr.PutChunk(res.SessionID, 1, strings.NewReader("efgh"), 4))

	// Simulate a crash mid-Complete: hand-edit the persisted descriptor back
	// to "assembling" — a process dying between that write and the blob
	// commit/record creation — exercising exactly the recovery path LoadAll
	// promises to roll back.
	descPath := "/data/chunks/" + res.SessionID + "/session.json"
	var desc session.Descriptor
	ok, err := jsonmirror.Load(fs, descPath, &desc)
	require.NoError(t, err)
	require.True(t, ok)
	desc.State = session.StateAssembling
	require.NoError(t, jsonmirror.Save(fs, descPath, &desc))

	logger := slog.New(slog.DiscardHandler)
	blobs2, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta2, err := metadata.New(fs, "/data", blobs2, logger)
	require.NoError(t, err)
	mgr2 := session.New(fs, "/data/chunks", 4, 1024, 100, blobs2, meta2, logger)

	recovered, err := mgr2.LoadAll(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	status, err := mgr2.Status(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, status.AssembledChunks)
	require.False(t, status.Completed)
}

func TestLoadAllDropsIdleExpiredSessions(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 8, ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	blobs2, err := blobstore.New(fs, "/data/blobs", "/data/staging", time.Minute, logger)
	require.NoError(t, err)
	meta2, err := metadata.New(fs, "/data", blobs2, logger)
	require.NoError(t, err)
	mgr2 := session.New(fs, "/data/chunks", 4, 1024, 100, blobs2, meta2, logger)

	// Negative horizon — every session, however fresh, reads as idle-expired.
	recovered, err := mgr2.LoadAll(-time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, recovered)

	exists, err := afero.DirExists(fs, "/data/chunks/"+res.SessionID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExpireIdleDiscardsStaleSessions(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	_, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 8, ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	require.Equal(t, 1, mgr.ExpireIdle(-time.Second))
	require.Equal(t, 0, mgr.ExpireIdle(-time.Second))
}

func TestExpireIdleInvokesOnExpireHook(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, _, _ := newTestManager(t, fs)

	res, err := mgr.Init(session.InitParams{Owner: testOwner, Filename: "x", Size: 8, ChunkSize: 4, TTLCode: metadata.TTL1h})
	require.NoError(t, err)

	var released []string
	mgr.SetOnExpire(func(sessionID string) { released = append(released, sessionID) })

	require.Equal(t, 1, mgr.ExpireIdle(-time.Second))
	require.Equal(t, []string{res.SessionID}, released)
}
