package store

import (
	"context"

	"github.com/google/uuid"

	"catalog-media-backend/internal/domain"
)

// Store defines persistence behavior for uploads, images, products, and
// processing jobs.
type Store interface {
	// EnsureUpload creates the upload row if absent and returns the current
	// row either way. Concurrent first chunks race on creation, so this must
	// be an upsert. An existing row gets its updated_at refreshed: callers
	// use it to record session progress on every accepted chunk.
	EnsureUpload(ctx context.Context, u *domain.Upload) (*domain.Upload, error)
	GetUpload(ctx context.Context, uploadID uuid.UUID) (*domain.Upload, error)
	GetUploadByID(ctx context.Context, id int64) (*domain.Upload, error)
	UpdateUploadStatus(ctx context.Context, uploadID uuid.UUID, status domain.UploadStatus) error
	// SetUploadAssembled records the canonical blob on the upload row after
	// assembly: whole-file checksum, assembled size, and root-relative path.
	SetUploadAssembled(ctx context.Context, uploadID uuid.UUID, checksum string, size int64, path string) error

	// UpsertImage inserts or replaces the image row keyed on
	// (upload_id, variant) and returns it with its id populated.
	UpsertImage(ctx context.Context, img *domain.Image) (*domain.Image, error)
	GetImage(ctx context.Context, uploadID int64, variant string) (*domain.Image, error)
	ListImages(ctx context.Context, uploadID int64) ([]domain.Image, error)

	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	// AttachImage links an image to a product inside one transaction. When
	// isPrimary is set it clears every other primary flag for the product and
	// denormalizes primary_image_id onto the product row.
	AttachImage(ctx context.Context, productID, imageID int64, isPrimary bool) (*domain.ProductImageLink, error)

	EnqueueJob(ctx context.Context, uploadID int64, sourcePath string) (int64, error)
	// ClaimJob atomically claims one queued job, marking it running and
	// incrementing its attempt counter. Returns ErrNoJob when the queue is
	// empty. At most one claim per job is handed out across workers.
	ClaimJob(ctx context.Context) (*domain.ProcessingJob, error)
	CompleteJob(ctx context.Context, jobID int64) error
	// FailJob records an attempt failure. Non-final failures requeue the job;
	// the final one parks it as failed.
	FailJob(ctx context.Context, jobID int64, attemptErr string, final bool) error
	// RequeueRunningJobs flips jobs left running by a crashed process back to
	// queued. Called once at startup before workers begin.
	RequeueRunningJobs(ctx context.Context) (int64, error)
}
