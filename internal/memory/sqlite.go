package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/ember/internal/embeddings"
)

// OpenDB opens (creating if needed) the SQLite database at path with
// WAL journaling. SQLite handles one writer at a time, so the pool is
// limited to a single connection.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

// SQLiteStore implements [Store] with one table per tier. Vectors are
// little-endian float32 BLOBs and similarity is computed in Go by brute
// force, which is fast enough for a single agent's memories.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

var tierTables = map[Tier]string{
	TierMicro: "micro_memories",
	TierMacro: "macro_memories",
}

func tableFor(tier Tier) (string, error) {
	t, ok := tierTables[tier]
	if !ok {
		return "", fmt.Errorf("unknown memory tier %q", tier)
	}
	return t, nil
}

func (s *SQLiteStore) migrate() error {
	for _, table := range tierTables {
		_, err := s.db.Exec(strings.ReplaceAll(`
			CREATE TABLE IF NOT EXISTS {t} (
				id TEXT PRIMARY KEY,
				text TEXT NOT NULL,
				vector BLOB,
				poignancy INTEGER NOT NULL,
				ts INTEGER NOT NULL,
				created_at INTEGER NOT NULL DEFAULT 0,
				payload TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_{t}_ts ON {t}(ts);
		`, "{t}", table))
		if err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		if err := s.addCreatedAt(table); err != nil {
			return err
		}
	}
	return nil
}

// addCreatedAt upgrades tables from before created_at existed. Old rows
// take their event time as creation time.
func (s *SQLiteStore) addCreatedAt(table string) error {
	if has, err := s.hasColumn(table, "created_at"); err != nil {
		return fmt.Errorf("check %s created_at column: %w", table, err)
	} else if !has {
		if _, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add %s created_at column: %w", table, err)
		}
	}
	if _, err := s.db.Exec(`UPDATE ` + table + ` SET created_at = ts WHERE created_at = 0`); err != nil {
		return fmt.Errorf("backfill %s created_at: %w", table, err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_` + table + `_created ON ` + table + `(created_at)`); err != nil {
		return fmt.Errorf("index %s created_at: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Upsert inserts rec or replaces the row with the same ID. A replaced
// row keeps its original rowid and created_at, so insertion order is
// stable across retries. A zero CreatedAt is stamped with the current
// time.
func (s *SQLiteStore) Upsert(ctx context.Context, tier Tier, rec Record) error {
	table, err := tableFor(tier)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("upsert %s: empty id", tier)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, text, vector, poignancy, ts, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			vector = excluded.vector,
			poignancy = excluded.poignancy,
			ts = excluded.ts,
			payload = excluded.payload
	`, rec.ID, rec.Text, embeddings.EncodeVector(rec.Vector), rec.Poignancy,
		rec.Timestamp.UnixNano(), created.UnixNano(), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", tier, err)
	}
	return nil
}

// QueryByFilter returns matching records oldest first.
func (s *SQLiteStore) QueryByFilter(ctx context.Context, tier Tier, f Filter) ([]Record, error) {
	table, err := tableFor(tier)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedSince.UnixNano())
	}
	if !f.CreatedUntil.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedUntil.UnixNano())
	}
	if f.MinPoignancy > 0 {
		where = append(where, "poignancy >= ?")
		args = append(args, f.MinPoignancy)
	}

	q := `SELECT id, text, vector, poignancy, ts, created_at, payload FROM ` + table
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC, rowid ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tier, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SimilaritySearch returns up to limit records nearest to vector by
// cosine distance. Records at equal distance keep insertion order.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, tier Tier, vector []float32, limit int) ([]Hit, error) {
	table, err := tableFor(tier)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, vector, poignancy, ts, created_at, payload FROM `+table+`
		WHERE vector IS NOT NULL
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", tier, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if len(rec.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{
			Record:   rec,
			Distance: 1 - embeddings.CosineSimilarity(vector, rec.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var blob []byte
	var ts, created int64
	var payload string
	if err := rows.Scan(&rec.ID, &rec.Text, &blob, &rec.Poignancy, &ts, &created, &payload); err != nil {
		return Record{}, fmt.Errorf("scan: %w", err)
	}
	rec.Vector = embeddings.DecodeVector(blob)
	rec.Timestamp = time.Unix(0, ts)
	rec.CreatedAt = time.Unix(0, created)
	rec.Payload = []byte(payload)
	return rec, nil
}
