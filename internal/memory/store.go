package memory

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the stored form shared by both tiers. Text is what was
// embedded; Payload is the JSON-encoded typed memory. Timestamp is when
// the remembered thing happened, CreatedAt when the record was first
// stored. Upserting an existing ID keeps the original CreatedAt.
type Record struct {
	ID        string
	Text      string
	Vector    []float32
	Poignancy int
	Timestamp time.Time
	CreatedAt time.Time
	Payload   json.RawMessage
}

// Hit is a similarity search result. Distance is cosine distance, so
// similarity is 1 - Distance.
type Hit struct {
	Record   Record
	Distance float64
}

// Filter narrows QueryByFilter. Zero fields do not filter. Since and
// Until bound Timestamp; CreatedSince and CreatedUntil bound CreatedAt.
// Lower bounds are inclusive, upper bounds exclusive.
type Filter struct {
	Since        time.Time
	Until        time.Time
	CreatedSince time.Time
	CreatedUntil time.Time
	MinPoignancy int
	Limit        int
}

// Store is the vector store contract. Upsert is keyed by Record.ID so
// resubmitting a record replaces it rather than duplicating it.
type Store interface {
	Upsert(ctx context.Context, tier Tier, rec Record) error
	QueryByFilter(ctx context.Context, tier Tier, f Filter) ([]Record, error)
	SimilaritySearch(ctx context.Context, tier Tier, vector []float32, limit int) ([]Hit, error)
}
