package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNoCheckpoint is returned when the archive holds no snapshot.
var ErrNoCheckpoint = errors.New("no checkpoint archived")

// timeFormat is fixed-width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Archive keeps a compressed history of saved checkpoint records in
// SQLite so earlier states can be inspected after the canonical file
// has been overwritten.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

// NewArchive creates an archive using the given database.
func NewArchive(db *sql.DB) (*Archive, error) {
	a := &Archive{db: db, now: time.Now}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_snapshots (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			record_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			module_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoint_snapshots_created
			ON checkpoint_snapshots(created_at DESC);
	`)
	return err
}

// Create stores rec and returns its metadata.
func (a *Archive) Create(trigger Trigger, rec Record) (*Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()
	now := a.now().UTC()

	_, err = a.db.Exec(`
		INSERT INTO checkpoint_snapshots (id, created_at, trigger, record_gz, byte_size, module_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), now.Format(timeFormat), string(trigger), compressed, len(compressed), len(rec))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return &Snapshot{
		ID:        id,
		CreatedAt: now,
		Trigger:   trigger,
		ByteSize:  int64(len(compressed)),
		Modules:   len(rec),
	}, nil
}

// Get retrieves a snapshot by ID, including its record.
func (a *Archive) Get(id uuid.UUID) (*Snapshot, error) {
	row := a.db.QueryRow(`
		SELECT id, created_at, trigger, record_gz, byte_size, module_count
		FROM checkpoint_snapshots WHERE id = ?
	`, id.String())
	snap, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, id)
	}
	return snap, err
}

// Latest returns the newest snapshot, or ErrNoCheckpoint.
func (a *Archive) Latest() (*Snapshot, error) {
	row := a.db.QueryRow(`
		SELECT id, created_at, trigger, record_gz, byte_size, module_count
		FROM checkpoint_snapshots
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)
	snap, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	return snap, err
}

// List returns snapshot metadata, newest first.
func (a *Archive) List(limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.db.Query(`
		SELECT id, created_at, trigger, byte_size, module_count
		FROM checkpoint_snapshots
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var idStr, createdStr, triggerStr string
		if err := rows.Scan(&idStr, &createdStr, &triggerStr, &snap.ByteSize, &snap.Modules); err != nil {
			return nil, err
		}
		fillMeta(&snap, idStr, createdStr, triggerStr)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Prune removes snapshots older than olderThan, keeping at least
// minKeep of the newest.
func (a *Archive) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := a.now().UTC().Add(-olderThan)

	var total int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM checkpoint_snapshots`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := a.db.Exec(`
		DELETE FROM checkpoint_snapshots
		WHERE id IN (
			SELECT id FROM checkpoint_snapshots
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(timeFormat), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func scanFull(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var idStr, createdStr, triggerStr string
	var recordGz []byte

	if err := row.Scan(&idStr, &createdStr, &triggerStr, &recordGz, &snap.ByteSize, &snap.Modules); err != nil {
		return nil, err
	}
	fillMeta(&snap, idStr, createdStr, triggerStr)

	gr, err := gzip.NewReader(bytes.NewReader(recordGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(raw, &snap.Record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &snap, nil
}

func fillMeta(snap *Snapshot, idStr, createdStr, triggerStr string) {
	snap.ID, _ = uuid.Parse(idStr)
	snap.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	snap.Trigger = Trigger(triggerStr)
}
