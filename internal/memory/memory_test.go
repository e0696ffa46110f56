package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// keywordEmbedder maps text onto a fixed 3-axis space: tea, cats, work.
type keywordEmbedder struct {
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	text = strings.ToLower(text)
	v := []float32{0.01, 0.01, 0.01}
	if strings.Contains(text, "tea") {
		v[0] = 1
	}
	if strings.Contains(text, "cat") {
		v[1] = 1
	}
	if strings.Contains(text, "work") {
		v[2] = 1
	}
	return v, nil
}

func newTestLayer(t *testing.T) (*Layer, *keywordEmbedder, *SQLiteStore) {
	t.Helper()
	store := setupTestStore(t)
	emb := &keywordEmbedder{}
	l := NewLayer(store, emb, DefaultConfig(), nil)
	l.now = func() time.Time { return now }
	return l, emb, store
}

func TestRerank_Stable(t *testing.T) {
	var hits []Hit
	for i := range 6 {
		hits = append(hits, Hit{
			Record:   Record{ID: fmt.Sprintf("r%d", i), Poignancy: 5, Timestamp: now.Add(-48 * time.Hour)},
			Distance: 0.2,
		})
	}

	got := Rerank(hits, DefaultConfig().Micro, now)
	for i, s := range got {
		if want := fmt.Sprintf("r%d", i); s.Record.ID != want {
			t.Errorf("position %d = %s, want %s", i, s.Record.ID, want)
		}
	}
}

func TestRerank_Weights(t *testing.T) {
	w := Weights{Similarity: 0.6, Importance: 0.2, Recency: 0.2, DecayPerDay: 0.1}
	hits := []Hit{
		// Very similar but trivial and old.
		{Record: Record{ID: "similar", Poignancy: 1, Timestamp: now.Add(-60 * 24 * time.Hour)}, Distance: 0.05},
		// Less similar but poignant and fresh.
		{Record: Record{ID: "poignant", Poignancy: 10, Timestamp: now}, Distance: 0.25},
	}

	got := Rerank(hits, w, now)
	if got[0].Record.ID != "poignant" {
		t.Errorf("first = %s, want poignant", got[0].Record.ID)
	}

	// 0.6*0.75 + 0.2*1.0 + 0.2*1.0
	if want := 0.85; absDiff(got[0].Score, want) > 1e-9 {
		t.Errorf("score = %.6f, want %.6f", got[0].Score, want)
	}
	if absDiff(got[0].Similarity, 0.75) > 1e-9 {
		t.Errorf("similarity = %.6f, want 0.75", got[0].Similarity)
	}
}

func TestRerank_FutureTimestampCountsAsNow(t *testing.T) {
	w := DefaultConfig().Micro
	got := Rerank([]Hit{{Record: Record{Poignancy: 10, Timestamp: now.Add(time.Hour)}, Distance: 0}}, w, now)
	if want := w.Similarity + w.Importance + w.Recency; absDiff(got[0].Score, want) > 1e-9 {
		t.Errorf("score = %.6f, want %.6f", got[0].Score, want)
	}
}

func TestRerank_MicroDecaysFasterThanMacro(t *testing.T) {
	cfg := DefaultConfig()
	old := []Hit{{Record: Record{Poignancy: 5, Timestamp: now.Add(-30 * 24 * time.Hour)}, Distance: 0.1}}
	fresh := []Hit{{Record: Record{Poignancy: 5, Timestamp: now}, Distance: 0.1}}

	microLoss := Rerank(fresh, cfg.Micro, now)[0].Score - Rerank(old, cfg.Micro, now)[0].Score
	macroLoss := Rerank(fresh, cfg.Macro, now)[0].Score - Rerank(old, cfg.Macro, now)[0].Score
	if microLoss <= macroLoss {
		t.Errorf("micro recency loss %.4f <= macro %.4f", microLoss, macroLoss)
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestSQLiteStore_UpsertIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := Record{ID: "a", Text: "x", Vector: []float32{1, 0}, Poignancy: 3, Timestamp: now, Payload: json.RawMessage(`{}`)}

	for range 3 {
		if err := s.Upsert(ctx, TierMicro, rec); err != nil {
			t.Fatalf("Upsert() error: %v", err)
		}
	}
	recs, err := s.QueryByFilter(ctx, TierMicro, Filter{})
	if err != nil {
		t.Fatalf("QueryByFilter() error: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("rows = %d, want 1", len(recs))
	}
}

func TestSQLiteStore_TiersAreSeparate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.Upsert(ctx, TierMicro, Record{ID: "m", Text: "x", Vector: []float32{1}, Timestamp: now, Payload: json.RawMessage(`{}`)})

	recs, _ := s.QueryByFilter(ctx, TierMacro, Filter{})
	if len(recs) != 0 {
		t.Errorf("macro rows = %d, want 0", len(recs))
	}
	if err := s.Upsert(ctx, Tier("mega"), Record{ID: "x"}); err == nil {
		t.Error("Upsert() with unknown tier returned nil error")
	}
}

func TestSQLiteStore_QueryByFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		s.Upsert(ctx, TierMicro, Record{
			ID:        fmt.Sprintf("r%d", i),
			Text:      "x",
			Vector:    []float32{1},
			Poignancy: i * 2,
			Timestamp: now.Add(time.Duration(i) * time.Hour),
			Payload:   json.RawMessage(`{}`),
		})
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{}, []string{"r0", "r1", "r2", "r3", "r4"}},
		{"since", Filter{Since: now.Add(3 * time.Hour)}, []string{"r3", "r4"}},
		{"until", Filter{Until: now.Add(2 * time.Hour)}, []string{"r0", "r1"}},
		{"min poignancy", Filter{MinPoignancy: 5}, []string{"r3", "r4"}},
		{"limit", Filter{Limit: 2}, []string{"r0", "r1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.QueryByFilter(ctx, TierMicro, tt.f)
			if err != nil {
				t.Fatalf("QueryByFilter() error: %v", err)
			}
			var got []string
			for _, r := range recs {
				got = append(got, r.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteStore_SimilaritySearch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	vecs := map[string][]float32{
		"east":  {1, 0},
		"north": {0, 1},
		"ne":    {0.7, 0.7},
		"west":  {-1, 0},
	}
	for _, id := range []string{"east", "north", "ne", "west"} {
		s.Upsert(ctx, TierMacro, Record{ID: id, Text: id, Vector: vecs[id], Timestamp: now, Payload: json.RawMessage(`{}`)})
	}

	hits, err := s.SimilaritySearch(ctx, TierMacro, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("SimilaritySearch() error: %v", err)
	}
	if len(hits) != 2 || hits[0].Record.ID != "east" || hits[1].Record.ID != "ne" {
		t.Fatalf("hits = %+v, want east, ne", hits)
	}
	if hits[0].Distance > 1e-6 {
		t.Errorf("east distance = %f, want 0", hits[0].Distance)
	}
}

func TestSQLiteStore_SimilarityTiesKeepInsertionOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		s.Upsert(ctx, TierMicro, Record{ID: id, Text: id, Vector: []float32{1, 1}, Timestamp: now, Payload: json.RawMessage(`{}`)})
	}
	hits, _ := s.SimilaritySearch(ctx, TierMicro, []float32{1, 1}, 10)
	var got []string
	for _, h := range hits {
		got = append(got, h.Record.ID)
	}
	if strings.Join(got, "") != "cab" {
		t.Errorf("order = %v, want [c a b]", got)
	}
}

func TestLayer_SaveAndRetrieveMicro(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()

	for _, m := range []MicroMemory{
		{Content: "User drinks green tea every morning", Subject: "user", Type: TypePreference, Poignancy: 6, Timestamp: now.Add(-time.Hour)},
		{Content: "User has a cat named Miso", Subject: "user", Type: TypeFact, Poignancy: 7, Timestamp: now.Add(-2 * time.Hour)},
		{Content: "User had a stressful day at work", Subject: "user", Type: TypeEvent, Poignancy: 5, Timestamp: now.Add(-3 * time.Hour)},
	} {
		if _, err := l.SaveMicro(ctx, m); err != nil {
			t.Fatalf("SaveMicro() error: %v", err)
		}
	}

	got, err := l.RetrieveMicro(ctx, "what tea do I like?", 1)
	if err != nil {
		t.Fatalf("RetrieveMicro() error: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0].Content, "tea") {
		t.Fatalf("RetrieveMicro() = %+v, want the tea memory", got)
	}
	if got[0].Type != TypePreference || got[0].ID == "" {
		t.Errorf("decoded memory = %+v", got[0])
	}
}

func TestLayer_SaveMicroIdempotent(t *testing.T) {
	l, _, store := newTestLayer(t)
	ctx := context.Background()
	m := MicroMemory{Content: "User likes tea", Subject: "user", Poignancy: 4, Timestamp: now}

	first, err := l.SaveMicro(ctx, m)
	if err != nil {
		t.Fatalf("SaveMicro() error: %v", err)
	}
	second, err := l.SaveMicro(ctx, m)
	if err != nil {
		t.Fatalf("SaveMicro() retry error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry produced new ID %s != %s", second.ID, first.ID)
	}
	recs, _ := store.QueryByFilter(ctx, TierMicro, Filter{})
	if len(recs) != 1 {
		t.Errorf("rows = %d, want 1", len(recs))
	}
}

func TestLayer_SaveMicroNormalizes(t *testing.T) {
	l, _, _ := newTestLayer(t)
	got, err := l.SaveMicro(context.Background(), MicroMemory{Content: "x", Poignancy: 42})
	if err != nil {
		t.Fatalf("SaveMicro() error: %v", err)
	}
	if got.Poignancy != MaxPoignancy {
		t.Errorf("Poignancy = %d, want %d", got.Poignancy, MaxPoignancy)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, now)
	}
	if got.Type != TypeFact {
		t.Errorf("Type = %q, want %q", got.Type, TypeFact)
	}
}

func TestLayer_SaveEmbedErrorPropagates(t *testing.T) {
	l, emb, _ := newTestLayer(t)
	emb.err = errors.New("ollama down")
	if _, err := l.SaveMicro(context.Background(), MicroMemory{Content: "x"}); err == nil {
		t.Error("SaveMicro() with failing embedder returned nil error")
	}
	if _, err := l.Retrieve(context.Background(), TierMicro, "x", 3); err == nil {
		t.Error("Retrieve() with failing embedder returned nil error")
	}
}

func TestLayer_SaveAndRetrieveMacro(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	if _, err := l.SaveMacro(ctx, MacroMemory{
		DiaryContent:    "A quiet week: we talked about tea and the cat.",
		Subject:         "week",
		DominantEmotion: "content",
		Poignancy:       6,
	}); err != nil {
		t.Fatalf("SaveMacro() error: %v", err)
	}
	if _, err := l.SaveMacro(ctx, MacroMemory{}); err == nil {
		t.Error("SaveMacro() with empty diary returned nil error")
	}

	got, err := l.RetrieveMacro(ctx, "cat", 5)
	if err != nil {
		t.Fatalf("RetrieveMacro() error: %v", err)
	}
	if len(got) != 1 || got[0].DominantEmotion != "content" {
		t.Errorf("RetrieveMacro() = %+v", got)
	}
}

func TestLayer_OverFetch(t *testing.T) {
	store := &recordingStore{}
	l := NewLayer(store, &keywordEmbedder{}, DefaultConfig(), nil)
	ctx := context.Background()

	l.Retrieve(ctx, TierMicro, "tea", 5)
	if store.limit != 20 {
		t.Errorf("limit for topK=5 = %d, want 20", store.limit)
	}
	l.Retrieve(ctx, TierMicro, "tea", 10)
	if store.limit != 40 {
		t.Errorf("limit for topK=10 = %d, want 40", store.limit)
	}
}

func TestLayer_RecentMicro(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	for i, p := range []int{2, 8, 6} {
		l.SaveMicro(ctx, MicroMemory{
			Content:   fmt.Sprintf("memory %d", i),
			Poignancy: p,
			Timestamp: now.Add(time.Duration(i-3) * 24 * time.Hour),
		})
	}

	got, err := l.RecentMicro(ctx, now.Add(-time.Minute), time.Time{}, 5)
	if err != nil {
		t.Fatalf("RecentMicro() error: %v", err)
	}
	if len(got) != 2 || got[0].Content != "memory 1" || got[1].Content != "memory 2" {
		t.Errorf("RecentMicro() = %+v", got)
	}
}

func TestLayer_RecentMicroUsesStorageTime(t *testing.T) {
	l, _, _ := newTestLayer(t)
	ctx := context.Background()
	lastMacro := now.Add(-time.Hour)

	// Spoken 30h ago but only reflected now.
	l.SaveMicro(ctx, MicroMemory{Content: "User adopted a cat", Poignancy: 9, Timestamp: now.Add(-30 * time.Hour)})

	// Stored after the window closes.
	l.now = func() time.Time { return now.Add(time.Hour) }
	l.SaveMicro(ctx, MicroMemory{Content: "User fed the cat", Poignancy: 9, Timestamp: now.Add(30 * time.Minute)})

	got, err := l.RecentMicro(ctx, lastMacro, now.Add(time.Minute), 5)
	if err != nil {
		t.Fatalf("RecentMicro() error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "User adopted a cat" {
		t.Errorf("RecentMicro() = %+v, want only the late-reflected memory", got)
	}

	next, err := l.RecentMicro(ctx, now.Add(time.Minute), time.Time{}, 5)
	if err != nil {
		t.Fatalf("RecentMicro() error: %v", err)
	}
	if len(next) != 1 || next[0].Content != "User fed the cat" {
		t.Errorf("next window = %+v, want only the later memory", next)
	}
}

func TestSQLiteStore_CreatedAtKeptOnUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := Record{ID: "a", Text: "x", Vector: []float32{1}, Timestamp: now, CreatedAt: now, Payload: json.RawMessage(`{}`)}
	if err := s.Upsert(ctx, TierMicro, rec); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	rec.CreatedAt = now.Add(time.Hour)
	rec.Poignancy = 7
	if err := s.Upsert(ctx, TierMicro, rec); err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}

	recs, err := s.QueryByFilter(ctx, TierMicro, Filter{CreatedSince: now, CreatedUntil: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("QueryByFilter() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("rows = %d, want 1", len(recs))
	}
	if !recs[0].CreatedAt.Equal(now) || recs[0].Poignancy != 7 {
		t.Errorf("record = %+v, want original created_at with updated poignancy", recs[0])
	}
}

func TestSQLiteStore_MigratesLegacyTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`
		CREATE TABLE micro_memories (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			vector BLOB,
			poignancy INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO micro_memories VALUES ('old', 'x', NULL, 5, ?, '{}')`, now.UnixNano()); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() on legacy table: %v", err)
	}
	recs, err := s.QueryByFilter(context.Background(), TierMicro, Filter{})
	if err != nil {
		t.Fatalf("QueryByFilter() error: %v", err)
	}
	if len(recs) != 1 || !recs[0].CreatedAt.Equal(now) {
		t.Errorf("migrated records = %+v, want created_at backfilled from ts", recs)
	}

	if _, err := NewSQLiteStore(db); err != nil {
		t.Errorf("second migration error: %v", err)
	}
}

func TestLayer_RejectsInvalid(t *testing.T) {
	l, _, _ := newTestLayer(t)
	_, err := l.SaveMicro(context.Background(), MicroMemory{Content: "   "})
	if !errors.Is(err, ErrInvalidMemory) {
		t.Errorf("SaveMicro(blank) = %v, want ErrInvalidMemory", err)
	}
	_, err = l.SaveMacro(context.Background(), MacroMemory{})
	if !errors.Is(err, ErrInvalidMemory) {
		t.Errorf("SaveMacro(empty) = %v, want ErrInvalidMemory", err)
	}
}

type recordingStore struct {
	limit int
}

func (s *recordingStore) Upsert(context.Context, Tier, Record) error { return nil }
func (s *recordingStore) QueryByFilter(context.Context, Tier, Filter) ([]Record, error) {
	return nil, nil
}
func (s *recordingStore) SimilaritySearch(_ context.Context, _ Tier, _ []float32, limit int) ([]Hit, error) {
	s.limit = limit
	return nil, nil
}

func TestParseMemoryType(t *testing.T) {
	for in, want := range map[string]MemoryType{
		"fact":       TypeFact,
		"Preference": TypePreference,
		" EVENT ":    TypeEvent,
		"opinion":    TypeOpinion,
		"experience": TypeExperience,
	} {
		got, err := ParseMemoryType(in)
		if err != nil || got != want {
			t.Errorf("ParseMemoryType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMemoryType("rumor"); err == nil {
		t.Error("ParseMemoryType(rumor) returned nil error")
	}
}

func TestClampPoignancy(t *testing.T) {
	for in, want := range map[int]int{-3: 1, 0: 1, 1: 1, 7: 7, 10: 10, 11: 10} {
		if got := ClampPoignancy(in); got != want {
			t.Errorf("ClampPoignancy(%d) = %d, want %d", in, got, want)
		}
	}
}
