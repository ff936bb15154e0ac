package blob

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrChecksumMismatch indicates written bytes did not hash to the declared
// checksum. Nothing is left behind on disk when it is returned.
var ErrChecksumMismatch = errors.New("checksum mismatch")

const (
	chunkPrefix = "chunk_"
	chunkSuffix = ".part"
	tmpDirName  = "tmp"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Store persists chunks and assembled blobs under a session-rooted namespace:
//
//	<root>/tmp/<upload_id>/chunk_<index>.part
//	<root>/<upload_id>/<name>
//
// All writes finalize with write-temp-then-rename so readers never observe
// partial files.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the directory tree.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), dirPerm); err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute blob root.
func (s *Store) Root() string {
	return s.root
}

// ChunkPath returns the on-disk location for a chunk.
func (s *Store) ChunkPath(uploadID uuid.UUID, index int) string {
	return filepath.Join(s.chunkDir(uploadID), fmt.Sprintf("%s%d%s", chunkPrefix, index, chunkSuffix))
}

func (s *Store) chunkDir(uploadID uuid.UUID) string {
	return filepath.Join(s.root, tmpDirName, uploadID.String())
}

// PutChunk streams a chunk to disk, verifying its MD5 against expectedSum
// before the atomic rename. Re-sending the same index replaces the previous
// file; a checksum mismatch leaves prior state untouched.
func (s *Store) PutChunk(uploadID uuid.UUID, index int, data io.Reader, expectedSum string) (int64, error) {
	chunkPath := s.ChunkPath(uploadID, index)
	if err := os.MkdirAll(filepath.Dir(chunkPath), dirPerm); err != nil {
		return 0, err
	}

	tmpPath := chunkPath + ".partial"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, err
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != expectedSum {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("chunk %d: %w", index, ErrChecksumMismatch)
	}

	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return written, nil
}

// OpenChunk opens a chunk file for reading.
func (s *Store) OpenChunk(uploadID uuid.UUID, index int) (*os.File, error) {
	return os.Open(s.ChunkPath(uploadID, index))
}

// ListChunks returns the chunk indices present for the session in ascending
// numeric order. Indices are parsed from the filename; a lexical sort would
// put chunk_10 before chunk_2.
func (s *Store) ListChunks(uploadID uuid.UUID) ([]int, error) {
	entries, err := os.ReadDir(s.chunkDir(uploadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var indices []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(name, chunkPrefix+"%d"+chunkSuffix, &idx); err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// DeleteChunkDir removes all chunk files for the session.
func (s *Store) DeleteChunkDir(uploadID uuid.UUID) error {
	return os.RemoveAll(s.chunkDir(uploadID))
}

// AssembleChunks concatenates the given chunk indices in order into the blob
// named name, computing a running MD5. If the result does not hash to
// expectedSum the temp file is deleted and ErrChecksumMismatch returned;
// chunks are retained either way.
func (s *Store) AssembleChunks(uploadID uuid.UUID, indices []int, name, expectedSum string) (string, int64, error) {
	blobPath := s.BlobPath(uploadID, name)
	if err := os.MkdirAll(filepath.Dir(blobPath), dirPerm); err != nil {
		return "", 0, err
	}

	tmpPath := blobPath + ".partial"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return "", 0, err
	}

	hasher := md5.New()
	w := io.MultiWriter(out, hasher)
	var size int64
	for _, idx := range indices {
		n, err := s.copyChunk(w, uploadID, idx)
		if err != nil {
			out.Close()
			_ = os.Remove(tmpPath)
			return "", 0, err
		}
		size += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != expectedSum {
		_ = os.Remove(tmpPath)
		return "", 0, ErrChecksumMismatch
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return s.RelBlobPath(uploadID, name), size, nil
}

func (s *Store) copyChunk(w io.Writer, uploadID uuid.UUID, index int) (int64, error) {
	chunk, err := s.OpenChunk(uploadID, index)
	if err != nil {
		return 0, err
	}
	defer chunk.Close()
	return io.Copy(w, chunk)
}

// PutBlob writes a named blob for the session with atomic finalize and
// returns its relative path, size, and MD5.
func (s *Store) PutBlob(uploadID uuid.UUID, name string, data io.Reader) (string, int64, string, error) {
	blobPath := s.BlobPath(uploadID, name)
	if err := os.MkdirAll(filepath.Dir(blobPath), dirPerm); err != nil {
		return "", 0, "", err
	}

	tmpPath := blobPath + ".partial"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return "", 0, "", err
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", err
	}
	return s.RelBlobPath(uploadID, name), written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// OpenBlob opens a named blob for reading.
func (s *Store) OpenBlob(uploadID uuid.UUID, name string) (*os.File, error) {
	return os.Open(s.BlobPath(uploadID, name))
}

// BlobPath returns the absolute path of a named blob.
func (s *Store) BlobPath(uploadID uuid.UUID, name string) string {
	return filepath.Join(s.root, uploadID.String(), name)
}

// RelBlobPath returns the root-relative path of a named blob, the form
// persisted on upload and image rows.
func (s *Store) RelBlobPath(uploadID uuid.UUID, name string) string {
	return filepath.Join(uploadID.String(), name)
}

// AbsPath resolves a root-relative path to an absolute one.
func (s *Store) AbsPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.root, rel)
}

// Exists reports whether a root-relative path exists.
func (s *Store) Exists(rel string) bool {
	_, err := os.Stat(s.AbsPath(rel))
	return err == nil
}
