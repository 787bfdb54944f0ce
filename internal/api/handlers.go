package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"abobi.legal/advisor-service/internal/blob"
	"abobi.legal/advisor-service/internal/core"
	"abobi.legal/advisor-service/internal/store"
)

const (
	maxJSONBody = 64 << 10

	// InferenceFallbackMessage is shown to the user when no reply could be
	// generated. Nothing was saved, so the user can simply resend.
	InferenceFallbackMessage = "I'm sorry, I couldn't respond just now. Please try sending your message again."
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIHandler struct {
	chatService     *core.ChatService
	documentService *core.DocumentService
	health          Pinger
	log             *logrus.Logger
}

func NewAPIHandler(cs *core.ChatService, ds *core.DocumentService, health Pinger, log *logrus.Logger) *APIHandler {
	return &APIHandler{chatService: cs, documentService: ds, health: health, log: log}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. documents selects the
// document upload mapping for rejected writes.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error, documents bool) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: "Internal server error"}

	switch {
	case errors.Is(err, core.ErrInvalidInput):
		status, resp.Error = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrDocumentNotFound), errors.Is(err, blob.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "Document not found"
	case errors.Is(err, blob.ErrWriteRejected) && documents:
		status, resp.Error = http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, core.ErrInferenceUnavailable):
		status, resp.Error, resp.Message = http.StatusBadGateway, "Inference unavailable", InferenceFallbackMessage
	case errors.Is(err, blob.ErrStoreUnavailable), errors.Is(err, store.ErrIndexUnavailable):
		status, resp.Error = http.StatusServiceUnavailable, "Storage temporarily unavailable"
	}

	entry := h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
	}).WithError(err)
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", core.ErrInvalidInput, err)
	}
	return nil
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type PostMessageRequest struct {
	WalletAddress string `json:"walletAddress"`
	Message       string `json:"message"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err, false)
		return
	}

	reply, err := h.chatService.PostMessage(r.Context(), req.WalletAddress, req.Message)
	if err != nil {
		h.writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: limit must be a number", core.ErrInvalidInput), false)
			return
		}
		if n == 0 {
			n = -1
		}
		limit = n
	}

	turns, err := h.chatService.GetHistory(r.Context(), r.URL.Query().Get("wallet"), limit)
	if err != nil {
		h.writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": turns})
}

func (h *APIHandler) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.chatService.GetProfile(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		h.writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type PatchProfileRequest struct {
	Wallet string `json:"wallet"`
}

func (h *APIHandler) PatchProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req PatchProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err, false)
		return
	}
	profile, err := h.chatService.PatchProfile(r.Context(), req.Wallet)
	if err != nil {
		h.writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(h.documentService.MaxBytes())
	// Room for the multipart envelope and the wallet field.
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, fmt.Errorf("%w: file too large, maximum is %d bytes", blob.ErrWriteRejected, maxBytes), true)
			return
		}
		h.writeError(w, r, fmt.Errorf("%w: invalid multipart form: %v", core.ErrInvalidInput, err), true)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: missing file", core.ErrInvalidInput), true)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: failed to read file: %v", core.ErrInvalidInput, err), true)
		return
	}

	doc, created, err := h.documentService.Upload(r.Context(), r.FormValue("wallet"), header.Filename, data)
	if err != nil {
		h.writeError(w, r, err, true)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"document": doc})
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documentService.List(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		h.writeError(w, r, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *APIHandler) DocumentContentHandler(w http.ResponseWriter, r *http.Request) {
	doc, data, err := h.documentService.Content(r.Context(), r.URL.Query().Get("wallet"), chi.URLParam(r, "documentID"))
	if err != nil {
		h.writeError(w, r, err, true)
		return
	}
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	w.Header().Set("X-Content-Handle", doc.Handle.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	err := h.documentService.Delete(r.Context(), r.URL.Query().Get("wallet"), chi.URLParam(r, "documentID"))
	if err != nil {
		h.writeError(w, r, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
