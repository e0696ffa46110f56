package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ember/internal/embeddings"
)

// idNamespace scopes the deterministic record IDs.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/nugget/ember/memory"))

// Config tunes retrieval.
type Config struct {
	Micro Weights
	Macro Weights
	// OverFetch is the minimum number of similarity candidates pulled
	// before reranking. At least 4×topK are always fetched.
	OverFetch int
}

// DefaultConfig returns the standard weights: episodic detail decays
// within days, summaries over months.
func DefaultConfig() Config {
	return Config{
		Micro:     Weights{Similarity: 0.6, Importance: 0.2, Recency: 0.2, DecayPerDay: 0.1},
		Macro:     Weights{Similarity: 0.6, Importance: 0.25, Recency: 0.15, DecayPerDay: 0.01},
		OverFetch: 20,
	}
}

// Layer is the single reader and writer of persisted memories.
type Layer struct {
	store    Store
	embedder embeddings.Embedder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewLayer creates a memory layer over store.
func NewLayer(store Store, embedder embeddings.Embedder, cfg Config, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = DefaultConfig().OverFetch
	}
	return &Layer{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

func (l *Layer) weights(tier Tier) Weights {
	if tier == TierMacro {
		return l.cfg.Macro
	}
	return l.cfg.Micro
}

// Retrieve embeds query, pulls an over-fetched candidate set from the
// store and returns the topK after reranking.
func (l *Layer) Retrieve(ctx context.Context, tier Tier, query string, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	fetch := max(l.cfg.OverFetch, 4*topK)
	hits, err := l.store.SimilaritySearch(ctx, tier, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	scored := Rerank(hits, l.weights(tier), l.now())
	if len(scored) > topK {
		scored = scored[:topK]
	}
	l.logger.Debug("memories retrieved",
		"tier", tier,
		"candidates", len(hits),
		"returned", len(scored),
	)
	return scored, nil
}

// RetrieveMicro is Retrieve for the micro tier, decoded.
func (l *Layer) RetrieveMicro(ctx context.Context, query string, topK int) ([]MicroMemory, error) {
	scored, err := l.Retrieve(ctx, TierMicro, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]MicroMemory, 0, len(scored))
	for _, s := range scored {
		var m MicroMemory
		if err := json.Unmarshal(s.Record.Payload, &m); err != nil {
			l.logger.Warn("skipping undecodable micro memory", "id", s.Record.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// RetrieveMacro is Retrieve for the macro tier, decoded.
func (l *Layer) RetrieveMacro(ctx context.Context, query string, topK int) ([]MacroMemory, error) {
	scored, err := l.Retrieve(ctx, TierMacro, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]MacroMemory, 0, len(scored))
	for _, s := range scored {
		var m MacroMemory
		if err := json.Unmarshal(s.Record.Payload, &m); err != nil {
			l.logger.Warn("skipping undecodable macro memory", "id", s.Record.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveMicro embeds and stores m, returning it with ID, timestamp and
// poignancy normalized. The ID is derived from the content, so saving
// the same memory again overwrites rather than duplicates.
func (l *Layer) SaveMicro(ctx context.Context, m MicroMemory) (MicroMemory, error) {
	if strings.TrimSpace(m.Content) == "" {
		return m, fmt.Errorf("save micro memory: %w: empty content", ErrInvalidMemory)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}
	if m.Type == "" {
		m.Type = TypeFact
	}
	m.Poignancy = ClampPoignancy(m.Poignancy)
	m.ID = recordID(TierMicro, m.Subject, m.Content, m.Timestamp)

	if err := l.save(ctx, TierMicro, m.ID, m.Content, m.Poignancy, m.Timestamp, m); err != nil {
		return m, err
	}
	return m, nil
}

// SaveMacro embeds and stores m, like SaveMicro.
func (l *Layer) SaveMacro(ctx context.Context, m MacroMemory) (MacroMemory, error) {
	if strings.TrimSpace(m.DiaryContent) == "" {
		return m, fmt.Errorf("save macro memory: %w: empty diary", ErrInvalidMemory)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}
	m.Poignancy = ClampPoignancy(m.Poignancy)
	m.ID = recordID(TierMacro, m.Subject, m.DiaryContent, m.Timestamp)

	if err := l.save(ctx, TierMacro, m.ID, m.DiaryContent, m.Poignancy, m.Timestamp, m); err != nil {
		return m, err
	}
	return m, nil
}

func (l *Layer) save(ctx context.Context, tier Tier, id, text string, poignancy int, ts time.Time, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s memory: %w", tier, err)
	}
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s memory: %w", tier, err)
	}
	rec := Record{
		ID:        id,
		Text:      text,
		Vector:    vec,
		Poignancy: poignancy,
		Timestamp: ts,
		CreatedAt: l.now(),
		Payload:   payload,
	}
	if err := l.store.Upsert(ctx, tier, rec); err != nil {
		return fmt.Errorf("store %s memory: %w", tier, err)
	}
	l.logger.Debug("memory saved", "tier", tier, "id", id, "poignancy", poignancy)
	return nil
}

// RecentMicro returns micro memories first stored in [since, until)
// with at least minPoignancy, oldest event first. The window is on
// storage time, not event time. A zero until leaves the window open.
func (l *Layer) RecentMicro(ctx context.Context, since, until time.Time, minPoignancy int) ([]MicroMemory, error) {
	recs, err := l.store.QueryByFilter(ctx, TierMicro, Filter{
		CreatedSince: since,
		CreatedUntil: until,
		MinPoignancy: minPoignancy,
	})
	if err != nil {
		return nil, fmt.Errorf("query recent micro: %w", err)
	}
	out := make([]MicroMemory, 0, len(recs))
	for _, r := range recs {
		var m MicroMemory
		if err := json.Unmarshal(r.Payload, &m); err != nil {
			l.logger.Warn("skipping undecodable micro memory", "id", r.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func recordID(tier Tier, subject, text string, ts time.Time) string {
	key := string(tier) + "\x00" + subject + "\x00" + text + "\x00" + strconv.FormatInt(ts.UnixNano(), 10)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}
