package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLBackend implements Backend using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend returns a Postgres-dialect backend.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db, dialect: DialectPostgres}
}

// NewSQLiteBackend returns a backend for the single-node lite mode. Callers
// should limit the pool to one connection for :memory: databases.
func NewSQLiteBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db, dialect: DialectSQLite}
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N to SQLite's numbered ?N form.
func (s *SQLBackend) rebind(q string) string {
	if s.dialect != DialectSQLite {
		return q
	}
	return placeholder.ReplaceAllString(q, "?$1")
}

// Timestamps are stored as fixed-width UTC text so that range predicates
// compare lexically and values round-trip exactly on both engines.
const tsLayout = "2006-01-02T15:04:05.000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS manifest_entries (
	shard TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL DEFAULT '',
	collected_at TEXT NOT NULL,
	payload_ref TEXT NOT NULL DEFAULT '',
	payload_hash TEXT NOT NULL DEFAULT '',
	payload_size BIGINT NOT NULL DEFAULT 0,
	control_ids TEXT NOT NULL DEFAULT '[]',
	retention_class TEXT NOT NULL DEFAULT '',
	retain_until TEXT NOT NULL,
	dedup_key TEXT NOT NULL DEFAULT '',
	supersedes TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (shard, sequence_number),
	UNIQUE (shard, id)
);
CREATE INDEX IF NOT EXISTS manifest_entries_dedup ON manifest_entries (shard, dedup_key);
CREATE INDEX IF NOT EXISTS manifest_entries_subject ON manifest_entries (shard, subject);
CREATE INDEX IF NOT EXISTS manifest_entries_supersedes ON manifest_entries (shard, supersedes);
CREATE TABLE IF NOT EXISTS manifest_controls (
	shard TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	control_id TEXT NOT NULL,
	collected_at TEXT NOT NULL,
	PRIMARY KEY (shard, control_id, sequence_number)
);
`

// Init creates the tables if they do not exist.
func (s *SQLBackend) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const entryColumns = `shard, sequence_number, kind, id, source, category, correlation_id, tool,
	collected_at, payload_ref, payload_hash, payload_size, control_ids, retention_class,
	retain_until, dedup_key, supersedes, subject, recorded_at, prev_hash, entry_hash`

func (s *SQLBackend) Insert(ctx context.Context, e Entry) error {
	controls, err := json.Marshal(nonNil(e.ControlIDs))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO manifest_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`),
		e.Shard, int64(e.Sequence), string(e.Kind), e.ID, string(e.Source), e.Category, e.CorrelationID, e.Tool,
		formatTS(e.CollectedAt), e.PayloadRef, e.PayloadHash, e.PayloadSize, string(controls), e.RetentionClass,
		formatTS(e.RetainUntil), e.DedupKey, e.Supersedes, e.Subject, formatTS(e.Timestamp), e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert manifest entry: %w", err)
	}

	if e.Kind == KindIngest {
		for _, c := range e.ControlIDs {
			_, err := tx.ExecContext(ctx,
				s.rebind(`INSERT INTO manifest_controls (shard, sequence_number, control_id, collected_at) VALUES ($1, $2, $3, $4)`),
				e.Shard, int64(e.Sequence), c, formatTS(e.CollectedAt))
			if err != nil {
				return fmt.Errorf("insert control index: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLBackend) Last(ctx context.Context, shard string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+entryColumns+` FROM manifest_entries WHERE shard = $1 ORDER BY sequence_number DESC LIMIT 1`), shard)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLBackend) Range(ctx context.Context, shard string, from, to uint64) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM manifest_entries
		WHERE shard = $1 AND sequence_number >= $2 AND sequence_number <= $3
		ORDER BY sequence_number`, shard, int64(from), int64(to))
}

func (s *SQLBackend) Get(ctx context.Context, shard, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+entryColumns+` FROM manifest_entries WHERE shard = $1 AND id = $2`), shard, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: entry %s", evidence.ErrNotFound, id)
	}
	return e, err
}

func (s *SQLBackend) FindByDedupKey(ctx context.Context, shard, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+entryColumns+` FROM manifest_entries
		WHERE shard = $1 AND dedup_key = $2 AND kind = 'ingest'
		ORDER BY sequence_number LIMIT 1`), shard, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: dedup key %s", evidence.ErrNotFound, key)
	}
	return e, err
}

func (s *SQLBackend) ByControl(ctx context.Context, shard, controlID string, from, to time.Time) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+prefixed("e.")+` FROM manifest_entries e
		JOIN manifest_controls c ON c.shard = e.shard AND c.sequence_number = e.sequence_number
		WHERE c.shard = $1 AND c.control_id = $2 AND c.collected_at >= $3 AND c.collected_at < $4
		ORDER BY e.sequence_number`, shard, controlID, formatTS(from), formatTS(to))
}

func (s *SQLBackend) Referencing(ctx context.Context, shard, id string) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM manifest_entries
		WHERE shard = $1 AND (supersedes = $2 OR (kind = 'archive' AND subject = $2))
		ORDER BY sequence_number`, shard, id)
}

func (s *SQLBackend) Close() error { return s.db.Close() }

func (s *SQLBackend) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                                   Entry
		seq                                 int64
		kind, source, controls              string
		collectedAt, retainUntil, timestamp string
	)
	err := row.Scan(&e.Shard, &seq, &kind, &e.ID, &source, &e.Category, &e.CorrelationID, &e.Tool,
		&collectedAt, &e.PayloadRef, &e.PayloadHash, &e.PayloadSize, &controls, &e.RetentionClass,
		&retainUntil, &e.DedupKey, &e.Supersedes, &e.Subject, &timestamp, &e.PrevHash, &e.EntryHash)
	if err != nil {
		return Entry{}, err
	}
	e.Sequence = uint64(seq)
	e.Kind = Kind(kind)
	e.Source = evidence.Source(source)
	if err := json.Unmarshal([]byte(controls), &e.ControlIDs); err != nil {
		return Entry{}, fmt.Errorf("entry %d: bad control_ids: %w", seq, err)
	}
	if len(e.ControlIDs) == 0 {
		e.ControlIDs = nil
	}
	if e.CollectedAt, err = parseTS(collectedAt); err != nil {
		return Entry{}, err
	}
	if e.RetainUntil, err = parseTS(retainUntil); err != nil {
		return Entry{}, err
	}
	if e.Timestamp, err = parseTS(timestamp); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return normalizeTime(t), nil
}

func prefixed(p string) string {
	return p + `shard, ` + p + `sequence_number, ` + p + `kind, ` + p + `id, ` + p + `source, ` +
		p + `category, ` + p + `correlation_id, ` + p + `tool, ` + p + `collected_at, ` +
		p + `payload_ref, ` + p + `payload_hash, ` + p + `payload_size, ` + p + `control_ids, ` +
		p + `retention_class, ` + p + `retain_until, ` + p + `dedup_key, ` + p + `supersedes, ` +
		p + `subject, ` + p + `recorded_at, ` + p + `prev_hash, ` + p + `entry_hash`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
