package upload

import "errors"

// Sentinel errors for the upload flow. Messages double as the wire-level
// error codes returned by the HTTP layer.
var (
	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("validation_failed")

	// ErrChunkChecksumMismatch indicates a chunk's bytes did not hash to the
	// declared checksum. The chunk is discarded; the client retries it.
	ErrChunkChecksumMismatch = errors.New("chunk_checksum_mismatch")

	// ErrFileChecksumMismatch indicates the assembled file did not hash to
	// the declared whole-file checksum. Chunks are retained so the client
	// can re-drive completion.
	ErrFileChecksumMismatch = errors.New("checksum_mismatch")

	// ErrNoChunks indicates completion was requested with no chunks on disk.
	ErrNoChunks = errors.New("no_chunks")

	// ErrMissingChunks indicates the chunk indices do not form a contiguous
	// range starting at zero.
	ErrMissingChunks = errors.New("missing_chunks")

	// ErrNotAcceptingChunks indicates the session has left the uploading state.
	ErrNotAcceptingChunks = errors.New("not_accepting_chunks")

	// ErrUploadFailed indicates the session is failed and cannot be re-driven
	// through completion (its assembled blob already exists or its chunks are
	// gone).
	ErrUploadFailed = errors.New("upload_failed")
)
