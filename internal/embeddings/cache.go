package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachedEmbedder wraps an Embedder with a content-hash cache in SQLite.
// Identical text under the same model is embedded once. Cache failures
// are logged and never fail the call.
type CachedEmbedder struct {
	next   Embedder
	db     *sql.DB
	model  string
	logger *slog.Logger
}

// NewCachedEmbedder creates the cache table if needed and returns the
// wrapper.
func NewCachedEmbedder(next Embedder, db *sql.DB, model string, logger *slog.Logger) (*CachedEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CachedEmbedder{
		next:   next,
		db:     db,
		model:  model,
		logger: logger.With("component", "embedding_cache"),
	}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

func (c *CachedEmbedder) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (content_hash, model)
		)
	`)
	return err
}

// Embed returns the cached vector for text, generating and storing it
// on a miss.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)

	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?`,
		hash, c.model,
	).Scan(&blob)
	switch {
	case err == nil:
		if v := DecodeVector(blob); len(v) > 0 {
			return v, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		c.logger.Warn("embedding cache lookup failed", "error", err)
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (content_hash, model, embedding, dimension, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at
	`, hash, c.model, EncodeVector(vec), len(vec), time.Now().Unix())
	if err != nil {
		c.logger.Warn("embedding cache store failed", "error", err)
	}

	return vec, nil
}

// ContentHash computes a SHA-256 hash of text content.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}
