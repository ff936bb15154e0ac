package store

import "errors"

var (
	// ErrUploadNotFound indicates the upload record could not be found.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrProductNotFound indicates no product exists for the given SKU.
	ErrProductNotFound = errors.New("product not found")

	// ErrImageNotFound indicates no image row exists for the lookup key.
	ErrImageNotFound = errors.New("image not found")

	// ErrNoJob indicates the queue had no claimable job.
	ErrNoJob = errors.New("no queued job")
)
