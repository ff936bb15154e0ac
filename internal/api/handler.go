package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"catalog-media-backend/internal/catalog"
	"catalog-media-backend/internal/store"
	"catalog-media-backend/internal/upload"
)

// maxChunkMemory bounds the in-memory part of multipart parsing; larger
// chunk bodies spill to disk.
const maxChunkMemory = 32 << 20

// Handler wires HTTP routes to the upload service and attachment resolver.
type Handler struct {
	uploads  *upload.Service
	resolver *catalog.Resolver
	log      zerolog.Logger
}

// NewHandler creates a Handler instance.
func NewHandler(uploads *upload.Service, resolver *catalog.Resolver, log zerolog.Logger) *Handler {
	return &Handler{
		uploads:  uploads,
		resolver: resolver,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/upload", func(r chi.Router) {
		r.Post("/chunk", h.handleChunk)
		r.Post("/complete", h.handleComplete)
		r.Post("/attach-to-product", h.handleAttach)
		r.Get("/{uploadID}/status", h.handleStatus)
		r.Get("/{uploadID}/ready", h.handleReady)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid multipart body")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	uploadID, err := uuid.Parse(r.FormValue("upload_id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid upload_id")
		return
	}
	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid chunk_index")
		return
	}
	totalChunks, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid total_chunks")
		return
	}
	fileSize, _ := strconv.ParseInt(r.FormValue("file_size"), 10, 64)

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "chunk file part is required")
		return
	}
	defer chunk.Close()

	received, err := h.uploads.ReceiveChunk(r.Context(), upload.ChunkRequest{
		UploadID:    uploadID,
		Index:       chunkIndex,
		TotalChunks: totalChunks,
		Checksum:    r.FormValue("chunk_checksum"),
		FileName:    r.FormValue("file_name"),
		FileSize:    fileSize,
		MimeType:    r.FormValue("mime_type"),
		Data:        chunk,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"received_chunk": received,
	})
}

type completeRequest struct {
	UploadID     string `json:"upload_id"`
	FileChecksum string `json:"file_checksum"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request payload")
		return
	}
	uploadID, err := uuid.Parse(req.UploadID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid upload_id")
		return
	}

	if err := h.uploads.Complete(r.Context(), uploadID, req.FileChecksum); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "assembled",
		"upload_id": uploadID.String(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := h.parseUploadID(w, r)
	if !ok {
		return
	}
	status, err := h.uploads.Status(r.Context(), uploadID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	uploadID, ok := h.parseUploadID(w, r)
	if !ok {
		return
	}
	ready, err := h.uploads.Ready(r.Context(), uploadID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

type attachRequest struct {
	UploadID  string `json:"upload_id"`
	SKU       string `json:"sku"`
	IsPrimary bool   `json:"is_primary"`
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid request payload")
		return
	}
	uploadID, err := uuid.Parse(req.UploadID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid upload_id")
		return
	}

	result, err := h.resolver.Attach(r.Context(), uploadID, req.SKU, req.IsPrimary)
	if err != nil {
		var notReady *catalog.NotReadyError
		if errors.As(err, &notReady) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":          notReady.Status,
				"processing_time": notReady.ProcessingTime,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"image_id":   result.ImageID,
		"product_id": result.ProductID,
		"is_primary": result.IsPrimary,
	})
}

func (h *Handler) parseUploadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid upload id")
		return uuid.Nil, false
	}
	return uploadID, true
}

// writeServiceError maps service sentinels onto wire status codes and codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, store.ErrUploadNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrProductNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, upload.ErrValidation), errors.Is(err, catalog.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, upload.ErrChunkChecksumMismatch):
		status, code = http.StatusUnprocessableEntity, "chunk_checksum_mismatch"
	case errors.Is(err, upload.ErrFileChecksumMismatch):
		status, code = http.StatusUnprocessableEntity, "checksum_mismatch"
	case errors.Is(err, upload.ErrNoChunks):
		status, code = http.StatusUnprocessableEntity, "no_chunks"
	case errors.Is(err, upload.ErrMissingChunks):
		status, code = http.StatusUnprocessableEntity, "missing_chunks"
	case errors.Is(err, upload.ErrNotAcceptingChunks):
		status, code = http.StatusUnprocessableEntity, "not_accepting_chunks"
	case errors.Is(err, upload.ErrUploadFailed):
		status, code = http.StatusUnprocessableEntity, "upload_failed"
	case errors.Is(err, catalog.ErrProcessingFailed):
		status, code = http.StatusUnprocessableEntity, "processing_failed"
	case errors.Is(err, catalog.ErrInconsistentState):
		status, code = http.StatusInternalServerError, "inconsistent_state"
	default:
		h.log.Error().Err(err).Msg("internal error")
		status, code = http.StatusInternalServerError, "internal_error"
	}

	writeError(w, status, code, err.Error())
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
