package store

import "abobi.legal/advisor-service/internal/blob"

// IndexRow points a wallet at the current history and profile blobs.
// A nil handle means that blob has never been written.
type IndexRow struct {
	WalletAddress string       `json:"walletAddress"`
	HistoryHandle *blob.Handle `json:"historyRootHash"`
	ProfileHandle *blob.Handle `json:"profileRootHash"`
	UpdatedAt     int64        `json:"updatedAt"` // Unix ms
}

// Document is the metadata kept for a file uploaded to the content store.
// The bytes themselves live in the content store under Handle.
type Document struct {
	ID            string      `json:"id"`
	WalletAddress string      `json:"walletAddress"`
	Name          string      `json:"name"`
	Size          int64       `json:"size"`
	MimeType      string      `json:"mimeType"`
	Handle        blob.Handle `json:"rootHash"`
	UploadedAt    int64       `json:"uploadedAt"` // Unix ms
	Verified      bool        `json:"verified"`
}
