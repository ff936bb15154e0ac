// Package catalog binds completed uploads to catalog products.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"catalog-media-backend/internal/blob"
	"catalog-media-backend/internal/domain"
	"catalog-media-backend/internal/locks"
	"catalog-media-backend/internal/store"
	"catalog-media-backend/internal/upload"
)

var (
	// ErrValidation indicates a malformed attach request.
	ErrValidation = errors.New("validation_failed")

	// ErrProcessingFailed indicates the upload cannot produce an image: it is
	// failed beyond recovery or stuck past the ready-wait threshold.
	ErrProcessingFailed = errors.New("processing_failed")

	// ErrInconsistentState indicates the upload claims completion but no
	// image rows exist.
	ErrInconsistentState = errors.New("inconsistent_state")
)

// NotReadyError signals that the upload exists but has not finished
// processing. The HTTP layer maps it to 202.
type NotReadyError struct {
	Status         string  // "uploading" or "processing"
	ProcessingTime float64 // seconds since the session last made progress
}

func (e *NotReadyError) Error() string { return "not_ready" }

// Resolver links a completed upload's images to products and maintains the
// primary-image invariant.
type Resolver struct {
	store     store.Store
	blobs     *blob.Store
	locks     *locks.Keyed
	jobs      upload.JobEnqueuer
	readyWait time.Duration
	log       zerolog.Logger
}

// NewResolver constructs a Resolver. readyWait is the threshold after which
// a non-complete upload is declared failed during attach. lk must be the
// same lock set the upload service and processor use, so attach-side status
// transitions serialize with theirs.
func NewResolver(st store.Store, blobs *blob.Store, lk *locks.Keyed, jobs upload.JobEnqueuer, readyWait time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:     st,
		blobs:     blobs,
		locks:     lk,
		jobs:      jobs,
		readyWait: readyWait,
		log:       log.With().Str("component", "catalog").Logger(),
	}
}

// AttachResult reports the resolved link.
type AttachResult struct {
	ImageID   int64
	ProductID int64
	IsPrimary bool
}

// Attach links the upload's image to the product identified by sku. The
// endpoint never infers completion: a not-yet-complete upload yields a
// NotReadyError for the client to back off on.
func (r *Resolver) Attach(ctx context.Context, uploadID uuid.UUID, sku string, isPrimary bool) (*AttachResult, error) {
	if uploadID == uuid.Nil {
		return nil, fmt.Errorf("upload_id is required: %w", ErrValidation)
	}
	if sku == "" {
		return nil, fmt.Errorf("sku is required: %w", ErrValidation)
	}

	product, err := r.store.GetProductBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}

	// Status inspection and every transition below run under the session
	// lock, so attach never races the chunk coordinator or the processor and
	// never stomps a status they flipped after an unguarded read.
	unlock := r.locks.Lock(uploadID.String())
	defer unlock()

	u, err := r.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	switch u.Status {
	case domain.StatusComplete:
		// proceed

	case domain.StatusUploading, domain.StatusAssembling:
		since := time.Since(u.UpdatedAt)
		if since > r.readyWait {
			// The session stalled without progress; declare it dead.
			if err := r.store.UpdateUploadStatus(ctx, uploadID, domain.StatusFailed); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("no progress for %s: %w", since.Truncate(time.Second), ErrProcessingFailed)
		}
		return nil, &NotReadyError{Status: "uploading", ProcessingTime: since.Seconds()}

	case domain.StatusFailed:
		// Recovery escape hatch: if the assembled blob survived, re-drive
		// processing instead of forcing a re-upload.
		if u.Path != "" && r.blobs.Exists(u.Path) {
			if err := r.store.UpdateUploadStatus(ctx, uploadID, domain.StatusUploading); err != nil {
				return nil, err
			}
			if err := r.jobs.Enqueue(ctx, u.ID, r.blobs.AbsPath(u.Path)); err != nil {
				return nil, err
			}
			r.log.Info().Str("upload_id", uploadID.String()).Msg("failed upload re-enqueued for processing")
			return nil, &NotReadyError{Status: "processing", ProcessingTime: time.Since(u.UpdatedAt).Seconds()}
		}
		return nil, fmt.Errorf("upload failed and blob is gone: %w", ErrProcessingFailed)

	default:
		return nil, fmt.Errorf("unexpected status %s: %w", u.Status, ErrProcessingFailed)
	}

	img, err := r.resolveImage(ctx, u)
	if err != nil {
		return nil, err
	}

	link, err := r.store.AttachImage(ctx, product.ID, img.ID, isPrimary)
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("upload_id", uploadID.String()).
		Str("sku", sku).
		Int64("image_id", img.ID).
		Bool("is_primary", link.IsPrimary).
		Msg("image attached")
	return &AttachResult{
		ImageID:   link.ImageID,
		ProductID: link.ProductID,
		IsPrimary: link.IsPrimary,
	}, nil
}

// resolveImage picks the original variant, falling back to any variant when
// the original row is missing.
func (r *Resolver) resolveImage(ctx context.Context, u *domain.Upload) (*domain.Image, error) {
	img, err := r.store.GetImage(ctx, u.ID, domain.VariantOriginal)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, store.ErrImageNotFound) {
		return nil, err
	}

	images, err := r.store.ListImages(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		r.log.Warn().
			Str("upload_id", u.UploadID.String()).
			Str("variant", images[0].Variant).
			Msg("original variant missing, binding fallback variant")
		return &images[0], nil
	}

	// Status says complete but nothing was produced.
	if err := r.store.UpdateUploadStatus(ctx, u.UploadID, domain.StatusFailed); err != nil {
		r.log.Error().Err(err).Str("upload_id", u.UploadID.String()).Msg("failed to mark inconsistent upload failed")
	}
	return nil, fmt.Errorf("complete upload has no images: %w", ErrInconsistentState)
}
