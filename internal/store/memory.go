package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-media-backend/internal/domain"
)

// MemoryStore is an in-memory Store used by unit tests and local development
// without a database. All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	nextUploadID int64
	nextImageID  int64
	nextJobID    int64

	uploads  map[uuid.UUID]*domain.Upload
	images   map[int64]map[string]*domain.Image // upload row id -> variant -> image
	products map[string]*domain.Product
	links    map[int64]map[int64]*domain.ProductImageLink // product id -> image id -> link
	jobs     []*domain.ProcessingJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:  make(map[uuid.UUID]*domain.Upload),
		images:   make(map[int64]map[string]*domain.Image),
		products: make(map[string]*domain.Product),
		links:    make(map[int64]map[int64]*domain.ProductImageLink),
	}
}

func (s *MemoryStore) EnsureUpload(_ context.Context, u *domain.Upload) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.uploads[u.UploadID]; ok {
		existing.UpdatedAt = time.Now().UTC()
		cp := *existing
		return &cp, nil
	}

	s.nextUploadID++
	now := time.Now().UTC()
	created := &domain.Upload{
		ID:               s.nextUploadID,
		UploadID:         u.UploadID,
		OriginalFilename: u.OriginalFilename,
		TotalSize:        u.TotalSize,
		Status:           domain.StatusUploading,
		Metadata:         u.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.uploads[u.UploadID] = created
	cp := *created
	return &cp, nil
}

func (s *MemoryStore) GetUpload(_ context.Context, uploadID uuid.UUID) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUploadByID(_ context.Context, id int64) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.uploads {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUploadNotFound
}

func (s *MemoryStore) UpdateUploadStatus(_ context.Context, uploadID uuid.UUID, status domain.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetUploadAssembled(_ context.Context, uploadID uuid.UUID, checksum string, size int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return ErrUploadNotFound
	}
	u.FileChecksum = checksum
	u.FileSize = size
	u.Path = path
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchUpload backdates updated_at; tests use it to simulate stuck uploads.
func (s *MemoryStore) TouchUpload(uploadID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[uploadID]; ok {
		u.UpdatedAt = at
	}
}

func (s *MemoryStore) UpsertImage(_ context.Context, img *domain.Image) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	variants, ok := s.images[img.UploadID]
	if !ok {
		variants = make(map[string]*domain.Image)
		s.images[img.UploadID] = variants
	}

	cp := *img
	if existing, ok := variants[img.Variant]; ok {
		cp.ID = existing.ID
	} else {
		s.nextImageID++
		cp.ID = s.nextImageID
	}
	variants[img.Variant] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetImage(_ context.Context, uploadID int64, variant string) (*domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.images[uploadID][variant]; ok {
		cp := *img
		return &cp, nil
	}
	return nil, ErrImageNotFound
}

func (s *MemoryStore) ListImages(_ context.Context, uploadID int64) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Image
	for _, img := range s.images[uploadID] {
		out = append(out, *img)
	}
	// Order by id, mirroring the SQL ORDER BY.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddProduct seeds a product; test helper.
func (s *MemoryStore) AddProduct(sku string) *domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &domain.Product{ID: int64(len(s.products) + 1), SKU: sku}
	s.products[sku] = p
	cp := *p
	return &cp
}

func (s *MemoryStore) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sku]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) AttachImage(_ context.Context, productID, imageID int64, isPrimary bool) (*domain.ProductImageLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, ok := s.links[productID]
	if !ok {
		links = make(map[int64]*domain.ProductImageLink)
		s.links[productID] = links
	}

	if isPrimary {
		for _, l := range links {
			if l.ImageID != imageID {
				l.IsPrimary = false
			}
		}
		for _, p := range s.products {
			if p.ID == productID {
				id := imageID
				p.PrimaryImageID = &id
			}
		}
	}

	link, ok := links[imageID]
	if !ok {
		link = &domain.ProductImageLink{ProductID: productID, ImageID: imageID}
		links[imageID] = link
	}
	link.IsPrimary = link.IsPrimary || isPrimary

	cp := *link
	return &cp, nil
}

// Links returns all links for a product; test helper.
func (s *MemoryStore) Links(productID int64) []domain.ProductImageLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProductImageLink
	for _, l := range s.links[productID] {
		out = append(out, *l)
	}
	return out
}

func (s *MemoryStore) EnqueueJob(_ context.Context, uploadID int64, sourcePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	now := time.Now().UTC()
	s.jobs = append(s.jobs, &domain.ProcessingJob{
		ID:         s.nextJobID,
		UploadID:   uploadID,
		SourcePath: sourcePath,
		Status:     domain.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return s.nextJobID, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context) (*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[int64]bool)
	for _, j := range s.jobs {
		if j.Status == domain.JobRunning {
			running[j.UploadID] = true
		}
	}
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued && !running[j.UploadID] {
			j.Status = domain.JobRunning
			j.Attempts++
			j.UpdatedAt = time.Now().UTC()
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNoJob
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID int64) error {
	return s.setJobStatus(jobID, domain.JobDone, "")
}

func (s *MemoryStore) FailJob(_ context.Context, jobID int64, attemptErr string, final bool) error {
	status := domain.JobQueued
	if final {
		status = domain.JobFailed
	}
	return s.setJobStatus(jobID, status, attemptErr)
}

func (s *MemoryStore) setJobStatus(jobID int64, status domain.JobStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == jobID {
			j.Status = status
			if lastErr != "" {
				j.LastError = lastErr
			}
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNoJob
}

func (s *MemoryStore) RequeueRunningJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.JobRunning {
			j.Status = domain.JobQueued
			n++
		}
	}
	return n, nil
}

// Jobs returns a snapshot of all jobs; test helper.
func (s *MemoryStore) Jobs() []domain.ProcessingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProcessingJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}
