package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"abobi.legal/advisor-service/internal/blob"
	"abobi.legal/advisor-service/internal/store"
	"abobi.legal/advisor-service/internal/wallet"
)

var ErrDocumentNotFound = errors.New("document not found")

// AllowedDocumentTypes lists the content types accepted for upload. Types
// are detected from the bytes, not taken from the client.
var AllowedDocumentTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/heic",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

type DocumentStore interface {
	InsertDocument(ctx context.Context, doc store.Document) (*store.Document, bool, error)
	GetDocument(ctx context.Context, id, wallet string) (*store.Document, error)
	ListDocuments(ctx context.Context, wallet string) ([]store.Document, error)
	DeleteDocument(ctx context.Context, id, wallet string) (bool, error)
}

// DocumentService stores user uploads in the content store and keeps their
// metadata in the index database.
type DocumentService struct {
	docs     DocumentStore
	blobs    blob.Store
	maxBytes int
	log      *logrus.Logger
	now      func() time.Time
}

func NewDocumentService(docs DocumentStore, blobs blob.Store, maxBytes int, log *logrus.Logger) *DocumentService {
	if maxBytes <= 0 {
		maxBytes = blob.DefaultMaxBytes
	}
	return &DocumentService{docs: docs, blobs: blobs, maxBytes: maxBytes, log: log, now: time.Now}
}

// MaxBytes is the largest accepted upload.
func (s *DocumentService) MaxBytes() int {
	return s.maxBytes
}

// Upload stores data for the wallet. Uploading bytes the wallet already
// stored returns the existing record with created set to false.
func (s *DocumentService) Upload(ctx context.Context, rawWallet, name string, data []byte) (*store.Document, bool, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if len(data) > s.maxBytes {
		return nil, false, fmt.Errorf("%w: file of %d bytes exceeds %d", blob.ErrWriteRejected, len(data), s.maxBytes)
	}
	mime, ok := detectDocumentType(data)
	if !ok {
		return nil, false, fmt.Errorf("%w: file type %s not allowed, upload PDF, JPG, PNG, WEBP, HEIC, DOC or DOCX", ErrInvalidInput, mime)
	}

	h, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store document: %w", err)
	}

	doc, created, err := s.docs.InsertDocument(ctx, store.Document{
		ID:            uuid.NewString(),
		WalletAddress: addr,
		Name:          cleanFileName(name),
		Size:          int64(len(data)),
		MimeType:      mime,
		Handle:        h,
		UploadedAt:    s.now().UnixMilli(),
		Verified:      true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record document: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"wallet":  addr,
		"handle":  h,
		"mime":    mime,
		"size":    len(data),
		"created": created,
	}).Info("Document uploaded")
	return doc, created, nil
}

func (s *DocumentService) List(ctx context.Context, rawWallet string) ([]store.Document, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.docs.ListDocuments(ctx, addr)
}

// Content returns a document record and its bytes from the content store.
func (s *DocumentService) Content(ctx context.Context, rawWallet, id string) (*store.Document, []byte, error) {
	doc, err := s.get(ctx, rawWallet, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, doc.Handle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch document %s: %w", doc.ID, err)
	}
	return doc, data, nil
}

// Delete removes the record. The content stays in the store, which has no
// delete operation.
func (s *DocumentService) Delete(ctx context.Context, rawWallet, id string) error {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing document id", ErrInvalidInput)
	}
	deleted, err := s.docs.DeleteDocument(ctx, id, addr)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return nil
}

func (s *DocumentService) get(ctx context.Context, rawWallet, id string) (*store.Document, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	doc, err := s.docs.GetDocument(ctx, id, addr)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return doc, nil
}

func detectDocumentType(data []byte) (string, bool) {
	mtype := mimetype.Detect(data)
	for _, allowed := range AllowedDocumentTypes {
		if mtype.Is(allowed) {
			return allowed, true
		}
	}
	return mtype.String(), false
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}
