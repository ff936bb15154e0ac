package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus captures the lifecycle of an upload session.
type UploadStatus string

const (
	StatusUploading  UploadStatus = "uploading"
	StatusAssembling UploadStatus = "assembling"
	StatusComplete   UploadStatus = "complete"
	StatusFailed     UploadStatus = "failed"
)

// Terminal reports whether the status admits no further transitions on the
// normal path. A failed upload can still be resurrected by the attach
// recovery path while its assembled blob remains on disk.
func (s UploadStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Variant tags. Original is the pseudo-variant pointing at the unmodified
// source; the sized tags name the target longest side in pixels.
const (
	VariantOriginal = "original"
	Variant256      = "256"
	Variant512      = "512"
	Variant1024     = "1024"
)

// VariantSpec pairs a variant tag with its target longest side.
type VariantSpec struct {
	Tag         string
	LongestSide int
}

// DefaultVariants is the sized-variant set produced when no override is
// configured. Original is implicit and always produced.
func DefaultVariants() []VariantSpec {
	return []VariantSpec{
		{Tag: Variant256, LongestSide: 256},
		{Tag: Variant512, LongestSide: 512},
		{Tag: Variant1024, LongestSide: 1024},
	}
}

// Upload represents an upload session stored in the DB. ID is the
// server-assigned monotonic row id; UploadID the client-chosen UUID.
type Upload struct {
	ID               int64
	UploadID         uuid.UUID
	OriginalFilename string
	TotalSize        int64
	FileSize         int64
	FileChecksum     string
	Status           UploadStatus
	Metadata         map[string]string
	Path             string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Image is a variant produced from an upload.
type Image struct {
	ID       int64
	UploadID int64
	Variant  string
	Path     string
	Mime     string
	Width    int
	Height   int
	Checksum string
}

// Product is the catalog record images are attached to. Only the fields the
// attachment resolver needs are carried here.
type Product struct {
	ID             int64
	SKU            string
	PrimaryImageID *int64
}

// ProductImageLink joins products and images with a primary flag.
type ProductImageLink struct {
	ProductID int64
	ImageID   int64
	IsPrimary bool
}

// JobStatus captures the lifecycle of a processing job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ProcessingJob is one durable unit of background work: derive the variant
// set for an assembled upload.
type ProcessingJob struct {
	ID         int64
	UploadID   int64
	SourcePath string
	Status     JobStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
