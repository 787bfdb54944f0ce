package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"abobi.legal/advisor-service/internal/blob"
)

// ErrIndexUnavailable is returned when the index database cannot be reached
// or a statement against it fails.
var ErrIndexUnavailable = errors.New("index store unavailable")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewFromDB(db)
	if err = store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// OpenInMemory returns a store backed by a private in-memory database.
// The pool is pinned to one connection because every :memory: connection
// opens its own empty database.
func OpenInMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewFromDB(db)
	if err = store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an already opened database without touching its schema.
func NewFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	return nil
}

// Migrate creates the tables if they do not exist yet.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS storage_index (
        wallet_address    TEXT PRIMARY KEY,
        history_root_hash TEXT,
        profile_root_hash TEXT,
        updated_at        INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS documents (
        id             TEXT PRIMARY KEY, -- UUID
        wallet_address TEXT NOT NULL,
        name           TEXT NOT NULL,
        size           INTEGER NOT NULL,
        mime_type      TEXT NOT NULL DEFAULT 'application/octet-stream',
        root_hash      TEXT NOT NULL,
        uploaded_at    INTEGER NOT NULL,
        verified       BOOLEAN NOT NULL DEFAULT FALSE,
        UNIQUE (wallet_address, root_hash)
    );

    CREATE INDEX IF NOT EXISTS idx_documents_wallet ON documents (wallet_address, uploaded_at);
    `
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Index methods

// Lookup returns the wallet's index row, or nil if the wallet has never
// written anything.
func (s *SQLiteStore) Lookup(ctx context.Context, wallet string) (*IndexRow, error) {
	var (
		row              IndexRow
		history, profile sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT wallet_address, history_root_hash, profile_root_hash, updated_at FROM storage_index WHERE wallet_address = ?",
		wallet,
	).Scan(&row.WalletAddress, &history, &profile, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query storage index: %w", ErrIndexUnavailable, err)
	}
	row.HistoryHandle = handleFromNull(history)
	row.ProfileHandle = handleFromNull(profile)
	return &row, nil
}

// Upsert points the wallet at the given handles in a single statement,
// replacing both columns. Concurrent upserts for one wallet race and the
// last one wins.
func (s *SQLiteStore) Upsert(ctx context.Context, wallet string, history, profile *blob.Handle) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO storage_index (wallet_address, history_root_hash, profile_root_hash, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (wallet_address) DO UPDATE SET
            history_root_hash = excluded.history_root_hash,
            profile_root_hash = excluded.profile_root_hash,
            updated_at        = excluded.updated_at`,
		wallet, nullFromHandle(history), nullFromHandle(profile), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert storage index: %w", ErrIndexUnavailable, err)
	}
	return nil
}

func handleFromNull(ns sql.NullString) *blob.Handle {
	if !ns.Valid {
		return nil
	}
	h := blob.Handle(ns.String)
	return &h
}

func nullFromHandle(h *blob.Handle) sql.NullString {
	if h == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*h), Valid: true}
}

// Document methods

// InsertDocument records doc unless the wallet already has a document with
// the same handle. It returns the stored record and whether it was created.
func (s *SQLiteStore) InsertDocument(ctx context.Context, doc Document) (*Document, bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO documents (id, wallet_address, name, size, mime_type, root_hash, uploaded_at, verified)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (wallet_address, root_hash) DO NOTHING`,
		doc.ID, doc.WalletAddress, doc.Name, doc.Size, doc.MimeType, string(doc.Handle), doc.UploadedAt, doc.Verified,
	)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to insert document: %w", ErrIndexUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to insert document: %w", ErrIndexUnavailable, err)
	}
	if affected == 1 {
		return &doc, true, nil
	}

	existing, err := s.scanDocument(s.db.QueryRowContext(ctx,
		documentColumns+" WHERE wallet_address = ? AND root_hash = ?", doc.WalletAddress, string(doc.Handle)))
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("%w: document %s vanished after conflict", ErrIndexUnavailable, doc.Handle)
	}
	return existing, false, nil
}

// GetDocument returns the wallet's document with the given id, or nil.
func (s *SQLiteStore) GetDocument(ctx context.Context, id, wallet string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		documentColumns+" WHERE id = ? AND wallet_address = ?", id, wallet))
}

// ListDocuments returns the wallet's documents, newest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, wallet string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		documentColumns+" WHERE wallet_address = ? ORDER BY uploaded_at DESC, id ASC", wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query documents: %w", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		var handle string
		if err := rows.Scan(&doc.ID, &doc.WalletAddress, &doc.Name, &doc.Size, &doc.MimeType, &handle, &doc.UploadedAt, &doc.Verified); err != nil {
			return nil, fmt.Errorf("%w: failed to scan document row: %w", ErrIndexUnavailable, err)
		}
		doc.Handle = blob.Handle(handle)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate documents: %w", ErrIndexUnavailable, err)
	}
	return docs, nil
}

// DeleteDocument removes the record only; the content stays in the store.
// It reports whether a record was removed.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id, wallet string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ? AND wallet_address = ?", id, wallet)
	if err != nil {
		return false, fmt.Errorf("%w: failed to delete document: %w", ErrIndexUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to delete document: %w", ErrIndexUnavailable, err)
	}
	return affected > 0, nil
}

const documentColumns = "SELECT id, wallet_address, name, size, mime_type, root_hash, uploaded_at, verified FROM documents"

func (s *SQLiteStore) scanDocument(row *sql.Row) (*Document, error) {
	var doc Document
	var handle string
	err := row.Scan(&doc.ID, &doc.WalletAddress, &doc.Name, &doc.Size, &doc.MimeType, &handle, &doc.UploadedAt, &doc.Verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to query document: %w", ErrIndexUnavailable, err)
	}
	doc.Handle = blob.Handle(handle)
	return &doc, nil
}
