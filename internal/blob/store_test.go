package blob

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("hello chunk")

	n, err := s.PutChunk(id, 0, bytes.NewReader(data), md5hex(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	f, err := s.OpenChunk(id, 0)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutChunkChecksumMismatchLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	_, err := s.PutChunk(id, 1, bytes.NewReader([]byte("corrupt")), md5hex([]byte("different")))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = os.Stat(s.ChunkPath(id, 1))
	assert.True(t, os.IsNotExist(err))

	// A .partial leftover would break later assembly listing.
	_, err = os.Stat(s.ChunkPath(id, 1) + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestPutChunkMismatchKeepsPreviousChunk(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	good := []byte("good bytes")

	_, err := s.PutChunk(id, 0, bytes.NewReader(good), md5hex(good))
	require.NoError(t, err)

	_, err = s.PutChunk(id, 0, bytes.NewReader([]byte("bad")), md5hex([]byte("other")))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	f, err := s.OpenChunk(id, 0)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestPutChunkIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("same bytes")

	for i := 0; i < 3; i++ {
		_, err := s.PutChunk(id, 0, bytes.NewReader(data), md5hex(data))
		require.NoError(t, err)
	}

	indices, err := s.ListChunks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}

func TestListChunksNumericOrder(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	// chunk_10 must sort after chunk_2; a lexical sort would invert them.
	for _, idx := range []int{10, 2, 0, 1, 11, 3} {
		data := []byte{byte(idx)}
		_, err := s.PutChunk(id, idx, bytes.NewReader(data), md5hex(data))
		require.NoError(t, err)
	}

	indices, err := s.ListChunks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 10, 11}, indices)
}

func TestListChunksEmptySession(t *testing.T) {
	s := newTestStore(t)
	indices, err := s.ListChunks(uuid.New())
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestAssembleChunksByteForByte(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()

	whole := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	chunkSize := 1000
	var total int
	for idx := 0; total < len(whole); idx++ {
		end := total + chunkSize
		if end > len(whole) {
			end = len(whole)
		}
		part := whole[total:end]
		_, err := s.PutChunk(id, idx, bytes.NewReader(part), md5hex(part))
		require.NoError(t, err)
		total = end
	}

	indices, err := s.ListChunks(id)
	require.NoError(t, err)

	rel, size, err := s.AssembleChunks(id, indices, "original.bin", md5hex(whole))
	require.NoError(t, err)
	assert.Equal(t, int64(len(whole)), size)

	f, err := os.Open(s.AbsPath(rel))
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestAssembleChunksChecksumMismatchRetainsChunks(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("only chunk")
	_, err := s.PutChunk(id, 0, bytes.NewReader(data), md5hex(data))
	require.NoError(t, err)

	_, _, err = s.AssembleChunks(id, []int{0}, "original", md5hex([]byte("wrong")))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	assert.False(t, s.Exists(s.RelBlobPath(id, "original")))

	indices, err := s.ListChunks(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}

func TestPutBlobReturnsChecksum(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("variant bytes")

	rel, size, sum, err := s.PutBlob(id, "256.jpg", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, md5hex(data), sum)
	assert.True(t, s.Exists(rel))
}

func TestDeleteChunkDir(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	data := []byte("x")
	_, err := s.PutChunk(id, 0, bytes.NewReader(data), md5hex(data))
	require.NoError(t, err)

	require.NoError(t, s.DeleteChunkDir(id))

	indices, err := s.ListChunks(id)
	require.NoError(t, err)
	assert.Empty(t, indices)
}
