package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-media-backend/internal/domain"
)

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database using the provided connection string.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const uploadColumns = `id, upload_id, original_filename, total_size, file_size,
       COALESCE(file_checksum, ''), status, metadata, COALESCE(path, ''),
       created_at, updated_at`

func (s *PostgresStore) EnsureUpload(ctx context.Context, u *domain.Upload) (*domain.Upload, error) {
	meta := u.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	// The conflict branch refreshes updated_at so every chunk arrival counts
	// as session progress for the stuck-upload check; RETURNING yields the
	// row either way.
	query := `
		INSERT INTO uploads (upload_id, original_filename, total_size, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (upload_id) DO UPDATE SET updated_at = now()
		RETURNING ` + uploadColumns
	row := s.pool.QueryRow(ctx, query,
		u.UploadID, u.OriginalFilename, u.TotalSize, string(domain.StatusUploading), metaJSON,
	)
	return scanUpload(row)
}

func (s *PostgresStore) GetUpload(ctx context.Context, uploadID uuid.UUID) (*domain.Upload, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE upload_id = $1`, uploadID)
	return scanUpload(row)
}

func (s *PostgresStore) GetUploadByID(ctx context.Context, id int64) (*domain.Upload, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	return scanUpload(row)
}

func scanUpload(row pgx.Row) (*domain.Upload, error) {
	var u domain.Upload
	var status string
	var metaJSON []byte
	err := row.Scan(
		&u.ID,
		&u.UploadID,
		&u.OriginalFilename,
		&u.TotalSize,
		&u.FileSize,
		&u.FileChecksum,
		&status,
		&metaJSON,
		&u.Path,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = domain.UploadStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, uploadID uuid.UUID, status domain.UploadStatus) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE uploads SET status=$2, updated_at=now() WHERE upload_id=$1
	`, uploadID, string(status))
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (s *PostgresStore) SetUploadAssembled(ctx context.Context, uploadID uuid.UUID, checksum string, size int64, path string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE uploads
		SET file_checksum=$2, file_size=$3, path=$4, updated_at=now()
		WHERE upload_id=$1
	`, uploadID, checksum, size, path)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertImage(ctx context.Context, img *domain.Image) (*domain.Image, error) {
	query := `
		INSERT INTO images (upload_id, variant, path, mime, width, height, checksum, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT (upload_id, variant) DO UPDATE SET
			path = EXCLUDED.path,
			mime = EXCLUDED.mime,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			checksum = EXCLUDED.checksum,
			updated_at = now()
		RETURNING id
	`
	out := *img
	err := s.pool.QueryRow(ctx, query,
		img.UploadID, img.Variant, img.Path, img.Mime, img.Width, img.Height, img.Checksum,
	).Scan(&out.ID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetImage(ctx context.Context, uploadID int64, variant string) (*domain.Image, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, upload_id, variant, path, mime, width, height, checksum
		FROM images
		WHERE upload_id = $1 AND variant = $2
	`, uploadID, variant)
	var img domain.Image
	err := row.Scan(&img.ID, &img.UploadID, &img.Variant, &img.Path, &img.Mime, &img.Width, &img.Height, &img.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) ListImages(ctx context.Context, uploadID int64) ([]domain.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, upload_id, variant, path, mime, width, height, checksum
		FROM images
		WHERE upload_id = $1
		ORDER BY id ASC
	`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []domain.Image
	for rows.Next() {
		var img domain.Image
		if err := rows.Scan(&img.ID, &img.UploadID, &img.Variant, &img.Path, &img.Mime, &img.Width, &img.Height, &img.Checksum); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sku, primary_image_id FROM products WHERE sku = $1
	`, sku)
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.PrimaryImageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) AttachImage(ctx context.Context, productID, imageID int64, isPrimary bool) (*domain.ProductImageLink, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if isPrimary {
		// Clear others, then set this one: one atomic step inside the tx.
		if _, err := tx.Exec(ctx, `
			UPDATE product_images SET is_primary = FALSE
			WHERE product_id = $1 AND image_id <> $2
		`, productID, imageID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE products SET primary_image_id = $2 WHERE id = $1
		`, productID, imageID); err != nil {
			return nil, err
		}
	}

	// An existing link keeps its primary flag unless this call promotes it.
	link := domain.ProductImageLink{ProductID: productID, ImageID: imageID}
	err = tx.QueryRow(ctx, `
		INSERT INTO product_images (product_id, image_id, is_primary, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (product_id, image_id) DO UPDATE SET
			is_primary = product_images.is_primary OR EXCLUDED.is_primary
		RETURNING is_primary
	`, productID, imageID, isPrimary).Scan(&link.IsPrimary)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, uploadID int64, sourcePath string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processing_jobs (upload_id, source_path, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 0, now(), now())
		RETURNING id
	`, uploadID, sourcePath, string(domain.JobQueued)).Scan(&id)
	return id, err
}

func (s *PostgresStore) ClaimJob(ctx context.Context) (*domain.ProcessingJob, error) {
	// SKIP LOCKED keeps concurrent workers from claiming the same row; the
	// NOT EXISTS guard keeps two jobs for one upload from running at once.
	query := `
		UPDATE processing_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT j.id FROM processing_jobs j
			WHERE j.status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM processing_jobs r
				WHERE r.upload_id = j.upload_id AND r.status = 'running'
			  )
			ORDER BY j.id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, upload_id, source_path, status, attempts, COALESCE(last_error, ''), created_at, updated_at
	`
	var job domain.ProcessingJob
	var status string
	err := s.pool.QueryRow(ctx, query).Scan(
		&job.ID, &job.UploadID, &job.SourcePath, &status, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET status='done', updated_at=now() WHERE id=$1
	`, jobID)
	return err
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID int64, attemptErr string, final bool) error {
	status := domain.JobQueued
	if final {
		status = domain.JobFailed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET status=$2, last_error=$3, updated_at=now() WHERE id=$1
	`, jobID, string(status), attemptErr)
	return err
}

func (s *PostgresStore) RequeueRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET status='queued', updated_at=now() WHERE status='running'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
