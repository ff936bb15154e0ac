package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-media-backend/internal/blob"
	"catalog-media-backend/internal/domain"
	"catalog-media-backend/internal/locks"
	"catalog-media-backend/internal/store"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

type enqueueCall struct {
	uploadID   int64
	sourcePath string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, uploadID int64, sourcePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{uploadID: uploadID, sourcePath: sourcePath})
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	blobs *blob.Store
	jobs  *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	jobs := &fakeEnqueuer{}
	svc := NewService(st, blobs, locks.NewKeyed(), jobs, zerolog.Nop())
	return &fixture{svc: svc, store: st, blobs: blobs, jobs: jobs}
}

func (f *fixture) sendChunk(t *testing.T, id uuid.UUID, index, total int, data []byte) {
	t.Helper()
	received, err := f.svc.ReceiveChunk(context.Background(), ChunkRequest{
		UploadID:    id,
		Index:       index,
		TotalChunks: total,
		Checksum:    md5hex(data),
		FileName:    "photo.png",
		FileSize:    int64(len(data)),
		MimeType:    "image/png",
		Data:        bytes.NewReader(data),
	})
	require.NoError(t, err)
	require.Equal(t, index, received)
}

func TestReceiveChunkCreatesUploadLazily(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	f.sendChunk(t, id, 0, 2, []byte("first"))

	u, err := f.store.GetUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, u.Status)
	assert.Equal(t, "photo.png", u.OriginalFilename)
}

func TestLaterChunksRefreshUpdatedAt(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.sendChunk(t, id, 0, 2, []byte("aa"))
	f.store.TouchUpload(id, time.Now().Add(-time.Hour))

	// Every accepted chunk counts as progress, not just the first.
	f.sendChunk(t, id, 1, 2, []byte("bb"))

	u, err := f.store.GetUpload(context.Background(), id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), u.UpdatedAt, time.Minute)
}

func TestReceiveChunkRejectsBadChecksum(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.sendChunk(t, id, 0, 2, []byte("good"))

	_, err := f.svc.ReceiveChunk(context.Background(), ChunkRequest{
		UploadID:    id,
		Index:       1,
		TotalChunks: 2,
		Checksum:    md5hex([]byte("something else")),
		Data:        bytes.NewReader([]byte("corrupted")),
	})
	require.ErrorIs(t, err, ErrChunkChecksumMismatch)

	// No file written, upload still accepting chunks.
	_, statErr := os.Stat(f.blobs.ChunkPath(id, 1))
	assert.True(t, os.IsNotExist(statErr))
	u, err := f.store.GetUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploading, u.Status)
}

func TestReceiveChunkValidation(t *testing.T) {
	f := newFixture(t)

	cases := []ChunkRequest{
		{UploadID: uuid.Nil, Index: 0, TotalChunks: 1, Checksum: md5hex(nil), Data: bytes.NewReader(nil)},
		{UploadID: uuid.New(), Index: -1, TotalChunks: 1, Checksum: md5hex(nil), Data: bytes.NewReader(nil)},
		{UploadID: uuid.New(), Index: 0, TotalChunks: 0, Checksum: md5hex(nil), Data: bytes.NewReader(nil)},
		{UploadID: uuid.New(), Index: 2, TotalChunks: 2, Checksum: md5hex(nil), Data: bytes.NewReader(nil)},
		{UploadID: uuid.New(), Index: 0, TotalChunks: 1, Checksum: "NOT-HEX", Data: bytes.NewReader(nil)},
	}
	for _, req := range cases {
		_, err := f.svc.ReceiveChunk(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("dup")

	f.sendChunk(t, id, 0, 1, data)
	f.sendChunk(t, id, 0, 1, data)

	indices, err := f.blobs.ListChunks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)

	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))
}

func TestCompleteAssemblesOutOfOrderChunks(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	whole := bytes.Repeat([]byte("payload!"), 4096)
	parts := [][]byte{whole[:10000], whole[10000:20000], whole[20000:]}

	// Submission order 2, 0, 1.
	f.sendChunk(t, id, 2, 3, parts[2])
	f.sendChunk(t, id, 0, 3, parts[0])
	f.sendChunk(t, id, 1, 3, parts[1])

	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(whole)))

	u, err := f.store.GetUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssembling, u.Status)
	assert.Equal(t, md5hex(whole), u.FileChecksum)
	assert.Equal(t, int64(len(whole)), u.FileSize)
	assert.NotEmpty(t, u.Path)
	assert.True(t, f.blobs.Exists(u.Path))

	// Assemble law: canonical blob equals the source byte-for-byte.
	blobFile, err := os.ReadFile(f.blobs.AbsPath(u.Path))
	require.NoError(t, err)
	assert.Equal(t, whole, blobFile)

	// Job enqueued with the upload's numeric id; chunk dir cleaned up.
	require.Equal(t, 1, f.jobs.count())
	assert.Equal(t, u.ID, f.jobs.calls[0].uploadID)
	indices, err := f.blobs.ListChunks(id)
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestCompleteNoChunks(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.sendChunk(t, id, 0, 1, []byte("x"))
	require.NoError(t, f.blobs.DeleteChunkDir(id))

	err := f.svc.Complete(context.Background(), id, md5hex([]byte("x")))
	require.ErrorIs(t, err, ErrNoChunks)

	u, _ := f.store.GetUpload(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, u.Status)
}

func TestCompleteMissingChunk(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	// Indices 0 and 2 present, 1 missing.
	f.sendChunk(t, id, 0, 3, []byte("aa"))
	f.sendChunk(t, id, 2, 3, []byte("cc"))

	err := f.svc.Complete(context.Background(), id, md5hex([]byte("aacc")))
	require.ErrorIs(t, err, ErrMissingChunks)

	u, _ := f.store.GetUpload(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, u.Status)
}

func TestCompleteChecksumMismatchRetainsChunksAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("the whole file")
	f.sendChunk(t, id, 0, 1, data)

	err := f.svc.Complete(context.Background(), id, md5hex([]byte("wrong")))
	require.ErrorIs(t, err, ErrFileChecksumMismatch)

	u, _ := f.store.GetUpload(context.Background(), id)
	assert.Equal(t, domain.StatusFailed, u.Status)
	assert.Empty(t, u.Path)

	indices, err := f.blobs.ListChunks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices, "chunks retained for retry")

	// Re-driving completion with the correct checksum succeeds.
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))
	u, _ = f.store.GetUpload(context.Background(), id)
	assert.Equal(t, domain.StatusAssembling, u.Status)
	assert.Equal(t, 1, f.jobs.count())
}

func TestCompleteIdempotentWhenComplete(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("bytes")
	f.sendChunk(t, id, 0, 1, data)
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))
	require.NoError(t, f.store.UpdateUploadStatus(context.Background(), id, domain.StatusComplete))

	// Repeated completion succeeds without enqueueing another job.
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))
	assert.Equal(t, 1, f.jobs.count())
}

func TestCompleteRejectedAfterBlobExists(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("bytes")
	f.sendChunk(t, id, 0, 1, data)
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))
	require.NoError(t, f.store.UpdateUploadStatus(context.Background(), id, domain.StatusFailed))

	// Failed after assembly: recovery belongs to the attach path, not here.
	err := f.svc.Complete(context.Background(), id, md5hex(data))
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestChunksRejectedOnceAssembling(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("bytes")
	f.sendChunk(t, id, 0, 1, data)
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))

	_, err := f.svc.ReceiveChunk(context.Background(), ChunkRequest{
		UploadID:    id,
		Index:       0,
		TotalChunks: 1,
		Checksum:    md5hex(data),
		Data:        bytes.NewReader(data),
	})
	require.ErrorIs(t, err, ErrNotAcceptingChunks)
}

func TestCompleteNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Complete(context.Background(), uuid.New(), md5hex([]byte("x")))
	require.ErrorIs(t, err, store.ErrUploadNotFound)
}

func TestReadyReflectsOriginalImageRow(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("bytes")
	f.sendChunk(t, id, 0, 1, data)
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))

	ready, err := f.svc.Ready(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ready)

	u, _ := f.store.GetUpload(context.Background(), id)
	_, err = f.store.UpsertImage(context.Background(), &domain.Image{
		UploadID: u.ID,
		Variant:  domain.VariantOriginal,
		Path:     u.Path,
	})
	require.NoError(t, err)

	ready, err = f.svc.Ready(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestStatusReportsChecksumAndSize(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	data := []byte("some data")
	f.sendChunk(t, id, 0, 1, data)
	require.NoError(t, f.svc.Complete(context.Background(), id, md5hex(data)))

	status, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), status.UploadID)
	assert.Equal(t, domain.StatusAssembling, status.Status)
	assert.Equal(t, md5hex(data), status.FileChecksum)
	assert.Equal(t, int64(len(data)), status.FileSize)
}
