package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
)

const (
	// MaxChunkBytes bounds a single /create-chunk request body.
	MaxChunkBytes = 64 << 20

	multipartMemory = 8 << 20
)

type UploadHandler struct {
	sessions services.SessionService
	chunks   services.ChunkService
	validate *validator.Validate

	logger logging.Logger
}

func NewUploadHandler(sessions services.SessionService, chunks services.ChunkService, l logging.Logger) *UploadHandler {
	return &UploadHandler{
		sessions: sessions,
		chunks:   chunks,
		validate: validator.New(),
		logger:   l,
	}
}

// InitFileUpload handles POST /init-file-upload/{totalChunks}.
func (h *UploadHandler) InitFileUpload(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "totalChunks")
	total, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, h.logger, apperror.Validation("total chunks must be an integer, got %q", raw))
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), total)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, session.View())
}

type createChunkForm struct {
	FileID  string `validate:"required"`
	ChunkID string `validate:"required,numeric"`
}

type createChunkResponse struct {
	Message string `json:"message"`
	*models.ChunkReceipt
}

// CreateChunk handles POST /create-chunk with multipart fields file_id,
// chunk_id and a binary file part.
func (h *UploadHandler) CreateChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxChunkBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, h.logger, err)
			return
		}
		writeError(w, h.logger, apperror.Validation("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := createChunkForm{
		FileID:  strings.TrimSpace(r.FormValue("file_id")),
		ChunkID: strings.TrimSpace(r.FormValue("chunk_id")),
	}
	if err := h.validate.Struct(form); err != nil {
		writeError(w, h.logger, apperror.Validation("file_id and an integer chunk_id are required"))
		return
	}
	index, err := strconv.Atoi(form.ChunkID)
	if err != nil {
		writeError(w, h.logger, apperror.Validation("chunk_id must be an integer, got %q", form.ChunkID))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, apperror.Validation("file part is required"))
		return
	}
	defer file.Close()

	receipt, err := h.chunks.ReceiveChunk(r.Context(), form.FileID, index, file)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg := "Chunk uploaded successfully"
	if receipt.Duplicate {
		msg = "Chunk already received, payload replaced"
	}
	writeJSON(w, h.logger, http.StatusCreated, createChunkResponse{
		Message:      msg,
		ChunkReceipt: receipt,
	})
}

// GetFile handles GET /files/{file_id}.
func (h *UploadHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, session.View())
}
