package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"catalog-media-backend/internal/blob"
	"catalog-media-backend/internal/domain"
	"catalog-media-backend/internal/locks"
	"catalog-media-backend/internal/metrics"
	"catalog-media-backend/internal/store"
)

// JobEnqueuer hands assembled uploads to the background runner.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, uploadID int64, sourcePath string) error
}

// Service implements chunk reception and assembly for upload sessions.
type Service struct {
	store store.Store
	blobs *blob.Store
	locks *locks.Keyed
	jobs  JobEnqueuer
	log   zerolog.Logger
}

// NewService constructs a Service instance.
func NewService(st store.Store, blobs *blob.Store, lk *locks.Keyed, jobs JobEnqueuer, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		blobs: blobs,
		locks: lk,
		jobs:  jobs,
		log:   log.With().Str("component", "upload").Logger(),
	}
}

// ChunkRequest carries one chunk submission.
type ChunkRequest struct {
	UploadID    uuid.UUID
	Index       int
	TotalChunks int
	Checksum    string // lowercase hex MD5 of the chunk bytes
	FileName    string
	FileSize    int64
	MimeType    string
	Data        io.Reader
}

var hexMD5 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func (r *ChunkRequest) validate() error {
	if r.UploadID == uuid.Nil {
		return fmt.Errorf("upload_id is required: %w", ErrValidation)
	}
	if r.Index < 0 {
		return fmt.Errorf("chunk_index must be >= 0: %w", ErrValidation)
	}
	if r.TotalChunks < 1 {
		return fmt.Errorf("total_chunks must be >= 1: %w", ErrValidation)
	}
	if r.Index >= r.TotalChunks {
		return fmt.Errorf("chunk_index %d out of range for %d chunks: %w", r.Index, r.TotalChunks, ErrValidation)
	}
	if !hexMD5.MatchString(r.Checksum) {
		return fmt.Errorf("chunk_checksum must be lowercase hex md5: %w", ErrValidation)
	}
	if r.Data == nil {
		return fmt.Errorf("chunk body is required: %w", ErrValidation)
	}
	return nil
}

// ReceiveChunk verifies and stores one chunk. Chunks may arrive in any
// order; re-sending an index replaces the previous file, so the operation is
// idempotent. The upload row is created lazily on first chunk.
func (s *Service) ReceiveChunk(ctx context.Context, req ChunkRequest) (int, error) {
	if err := req.validate(); err != nil {
		metrics.ChunksRejected.Inc()
		return 0, err
	}

	existing, err := s.store.GetUpload(ctx, req.UploadID)
	if err != nil && !errors.Is(err, store.ErrUploadNotFound) {
		return 0, err
	}
	if existing != nil && existing.Status != domain.StatusUploading {
		metrics.ChunksRejected.Inc()
		return 0, fmt.Errorf("upload is %s: %w", existing.Status, ErrNotAcceptingChunks)
	}

	size, err := s.blobs.PutChunk(req.UploadID, req.Index, req.Data, req.Checksum)
	if err != nil {
		if errors.Is(err, blob.ErrChecksumMismatch) {
			metrics.ChunksRejected.Inc()
			return 0, fmt.Errorf("chunk %d: %w", req.Index, ErrChunkChecksumMismatch)
		}
		return 0, err
	}

	// The upsert creates the row on the first chunk and refreshes updated_at
	// on every later one, so an in-flight session always shows progress to
	// the attach-side stuck check.
	meta := map[string]string{}
	if req.MimeType != "" {
		meta["mime_type"] = req.MimeType
	}
	if _, err := s.store.EnsureUpload(ctx, &domain.Upload{
		UploadID:         req.UploadID,
		OriginalFilename: req.FileName,
		TotalSize:        req.FileSize,
		Metadata:         meta,
	}); err != nil {
		return 0, err
	}

	metrics.ChunksReceived.Inc()
	s.log.Debug().
		Str("upload_id", req.UploadID.String()).
		Int("chunk_index", req.Index).
		Int64("size", size).
		Msg("chunk received")
	return req.Index, nil
}

// Complete assembles the received chunks into the canonical blob, verifies
// the whole-file checksum, and enqueues the processing job. It is executed
// under the per-upload lock and is idempotent once the upload is complete.
func (s *Service) Complete(ctx context.Context, uploadID uuid.UUID, fileChecksum string) error {
	if uploadID == uuid.Nil {
		return fmt.Errorf("upload_id is required: %w", ErrValidation)
	}
	if !hexMD5.MatchString(fileChecksum) {
		return fmt.Errorf("file_checksum must be lowercase hex md5: %w", ErrValidation)
	}

	unlock := s.locks.Lock(uploadID.String())
	defer unlock()

	u, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}

	switch u.Status {
	case domain.StatusComplete:
		return nil
	case domain.StatusAssembling:
		// Assembly already happened; the processing job is in flight.
		return nil
	case domain.StatusFailed:
		// Completion may be retried only while the failure predates the
		// canonical blob: chunks still on disk, no path recorded.
		if u.Path != "" {
			return fmt.Errorf("assembled blob already exists: %w", ErrUploadFailed)
		}
	case domain.StatusUploading:
	default:
		return fmt.Errorf("unexpected status %s: %w", u.Status, ErrUploadFailed)
	}

	if err := s.store.UpdateUploadStatus(ctx, uploadID, domain.StatusAssembling); err != nil {
		return err
	}

	indices, err := s.blobs.ListChunks(uploadID)
	if err != nil {
		return s.failAssembly(ctx, uploadID, err)
	}
	if len(indices) == 0 {
		return s.failAssembly(ctx, uploadID, ErrNoChunks)
	}
	for i, idx := range indices {
		if idx != i {
			return s.failAssembly(ctx, uploadID, fmt.Errorf("chunk %d absent: %w", i, ErrMissingChunks))
		}
	}

	name := canonicalName(u.OriginalFilename)
	relPath, size, err := s.blobs.AssembleChunks(uploadID, indices, name, fileChecksum)
	if err != nil {
		if errors.Is(err, blob.ErrChecksumMismatch) {
			// Chunks are retained so the client can re-drive completion.
			return s.failAssembly(ctx, uploadID, ErrFileChecksumMismatch)
		}
		return s.failAssembly(ctx, uploadID, err)
	}

	if err := s.store.SetUploadAssembled(ctx, uploadID, fileChecksum, size, relPath); err != nil {
		return err
	}

	// Status stays assembling until the processing job records the original
	// image row and flips it to complete.
	if err := s.jobs.Enqueue(ctx, u.ID, s.blobs.AbsPath(relPath)); err != nil {
		return s.failAssembly(ctx, uploadID, err)
	}

	// The job reads the assembled blob, not the chunks.
	if err := s.blobs.DeleteChunkDir(uploadID); err != nil {
		s.log.Warn().Err(err).Str("upload_id", uploadID.String()).Msg("chunk dir cleanup failed")
	}

	metrics.Assemblies.WithLabelValues("ok").Inc()
	s.log.Info().
		Str("upload_id", uploadID.String()).
		Int("chunks", len(indices)).
		Int64("size", size).
		Msg("upload assembled")
	return nil
}

func (s *Service) failAssembly(ctx context.Context, uploadID uuid.UUID, cause error) error {
	metrics.Assemblies.WithLabelValues("failed").Inc()
	if err := s.store.UpdateUploadStatus(ctx, uploadID, domain.StatusFailed); err != nil {
		s.log.Error().Err(err).Str("upload_id", uploadID.String()).Msg("failed to mark upload failed")
	}
	return cause
}

// canonicalName derives the assembled blob name, preserving the original
// extension when known.
func canonicalName(filename string) string {
	ext := filepath.Ext(filename)
	return domain.VariantOriginal + ext
}

// StatusResponse exposes upload state for polling and resume.
type StatusResponse struct {
	UploadID         string              `json:"upload_id"`
	Status           domain.UploadStatus `json:"status"`
	FileSize         int64               `json:"file_size"`
	FileChecksum     string              `json:"file_checksum,omitempty"`
	OriginalFilename string              `json:"original_filename,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Status returns the current state of an upload session.
func (s *Service) Status(ctx context.Context, uploadID uuid.UUID) (*StatusResponse, error) {
	u, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		UploadID:         u.UploadID.String(),
		Status:           u.Status,
		FileSize:         u.FileSize,
		FileChecksum:     u.FileChecksum,
		OriginalFilename: u.OriginalFilename,
		UpdatedAt:        u.UpdatedAt,
	}, nil
}

// Ready reports whether the original image row exists for the upload, the
// signal clients poll before attaching.
func (s *Service) Ready(ctx context.Context, uploadID uuid.UUID) (bool, error) {
	u, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		return false, err
	}
	if _, err := s.store.GetImage(ctx, u.ID, domain.VariantOriginal); err != nil {
		if errors.Is(err, store.ErrImageNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
