// Package image derives the sized variant set from an assembled upload.
package image

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	stdimage "image"
	"io"
	"net/http"
	"os"

	"github.com/kovidgoyal/imaging"
	"github.com/rs/zerolog"

	"catalog-media-backend/internal/blob"
	"catalog-media-backend/internal/domain"
	"catalog-media-backend/internal/locks"
	"catalog-media-backend/internal/store"
)

// Processor decodes an assembled source image and emits the configured
// variants as JPEG blobs plus image rows. Process is idempotent: reruns
// upsert the same (upload, variant) rows and rewrite the same blob paths.
type Processor struct {
	store    store.Store
	blobs    *blob.Store
	locks    *locks.Keyed
	variants []domain.VariantSpec
	quality  int
	log      zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(st store.Store, blobs *blob.Store, lk *locks.Keyed, variants []domain.VariantSpec, jpegQuality int, log zerolog.Logger) *Processor {
	if len(variants) == 0 {
		variants = domain.DefaultVariants()
	}
	return &Processor{
		store:    st,
		blobs:    blobs,
		locks:    lk,
		variants: variants,
		quality:  jpegQuality,
		log:      log.With().Str("component", "image").Logger(),
	}
}

// Process runs one attempt for a processing job. Any error marks the upload
// failed and is returned so the runner can retry; a later successful attempt
// flips it back to complete.
func (p *Processor) Process(ctx context.Context, job *domain.ProcessingJob) error {
	u, err := p.store.GetUploadByID(ctx, job.UploadID)
	if err != nil {
		return err
	}

	unlock := p.locks.Lock(u.UploadID.String())
	defer unlock()

	// A second attempt that observes a finished upload is a no-op.
	u, err = p.store.GetUploadByID(ctx, job.UploadID)
	if err != nil {
		return err
	}
	if u.Status == domain.StatusComplete {
		return nil
	}

	if err := p.run(ctx, u, job.SourcePath); err != nil {
		if serr := p.store.UpdateUploadStatus(ctx, u.UploadID, domain.StatusFailed); serr != nil {
			p.log.Error().Err(serr).Str("upload_id", u.UploadID.String()).Msg("failed to mark upload failed")
		}
		return err
	}

	return p.store.UpdateUploadStatus(ctx, u.UploadID, domain.StatusComplete)
}

func (p *Processor) run(ctx context.Context, u *domain.Upload, sourcePath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("source %s is empty", sourcePath)
	}

	mime, err := detectMime(src)
	if err != nil {
		return err
	}
	checksum, err := hashFile(src)
	if err != nil {
		return err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	img, err := imaging.Decode(src)
	if err != nil {
		return fmt.Errorf("decode source: %w", err)
	}

	bounds := img.Bounds()
	if _, err := p.store.UpsertImage(ctx, &domain.Image{
		UploadID: u.ID,
		Variant:  domain.VariantOriginal,
		Path:     u.Path,
		Mime:     mime,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Checksum: checksum,
	}); err != nil {
		return fmt.Errorf("record original: %w", err)
	}

	for _, spec := range p.variants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.emitVariant(ctx, u, img, spec); err != nil {
			return fmt.Errorf("variant %s: %w", spec.Tag, err)
		}
	}

	p.log.Info().
		Str("upload_id", u.UploadID.String()).
		Int("variants", len(p.variants)).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Msg("variants produced")
	return nil
}

func (p *Processor) emitVariant(ctx context.Context, u *domain.Upload, src stdimage.Image, spec domain.VariantSpec) error {
	// Fit scales down to the bounding box preserving aspect ratio and never
	// enlarges a smaller source.
	resized := imaging.Fit(src, spec.LongestSide, spec.LongestSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}

	name := spec.Tag + ".jpg"
	relPath, _, checksum, err := p.blobs.PutBlob(u.UploadID, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	bounds := resized.Bounds()
	if _, err := p.store.UpsertImage(ctx, &domain.Image{
		UploadID: u.ID,
		Variant:  spec.Tag,
		Path:     relPath,
		Mime:     "image/jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Checksum: checksum,
	}); err != nil {
		return fmt.Errorf("record variant: %w", err)
	}
	return nil
}

// detectMime sniffs the content type from the file's first bytes and rewinds.
func detectMime(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

func hashFile(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
