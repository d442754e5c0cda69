package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Dialect selects the placeholder convention of the backing database.
// lib/pq requires numbered placeholders ($1, $2, ...); modernc.org/sqlite
// follows database/sql's default "?" convention.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLBackend stores the audit log in a relational table, shared between the
// Postgres (lib/pq) and SQLite (modernc.org/sqlite) deployments — the DDL
// is ANSI SQL both drivers accept; only placeholder syntax differs.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend wraps an already-opened *sql.DB and ensures the audit_log
// table exists.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	b := &SQLBackend{db: db, dialect: dialect}
	if err := b.migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// ph returns the n-th placeholder (1-indexed) in this backend's dialect.
func (b *SQLBackend) ph(n int) string {
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGINT PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			payload_digest TEXT NOT NULL,
			at TEXT NOT NULL,
			self_hash TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate audit_log: %w", err)
	}
	return nil
}

// AppendLocked inserts entry. The seq primary key rejects a concurrent
// writer that raced to the same sequence number; Log.Append then returns
// that failure as an audit-append error and does not retry.
func (b *SQLBackend) AppendLocked(ctx context.Context, entry Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO audit_log (seq, prev_hash, event_kind, subject, payload_digest, at, self_hash)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7))
	_, err := b.db.ExecContext(ctx, query,
		entry.Seq,
		entry.PrevHashHex(),
		string(entry.EventKind),
		entry.Subject,
		entry.PayloadDigest,
		entry.At.UTC().Format(time.RFC3339Nano),
		entry.SelfHashHex(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry seq=%d: %w", entry.Seq, err)
	}
	return nil
}

func (b *SQLBackend) Tail(ctx context.Context) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT seq, prev_hash, event_kind, subject, payload_digest, at, self_hash
		FROM audit_log ORDER BY seq DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: read tail: %w", err)
	}
	return entry, true, nil
}

func (b *SQLBackend) Range(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT seq, prev_hash, event_kind, subject, payload_digest, at, self_hash
		FROM audit_log WHERE seq >= %s AND seq <= %s ORDER BY seq ASC`,
		b.ph(1), b.ph(2))
	rows, err := b.db.QueryContext(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan range row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: range rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		seq           int64
		prevHashHex   string
		eventKind     string
		subject       string
		payloadDigest string
		atStr         string
		selfHashHex   string
	)
	if err := row.Scan(&seq, &prevHashHex, &eventKind, &subject, &payloadDigest, &atStr, &selfHashHex); err != nil {
		return Entry{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, atStr)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: parse at timestamp: %w", err)
	}
	prevHash, err := decodeHash(prevHashHex)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: decode prev_hash: %w", err)
	}
	selfH, err := decodeHash(selfHashHex)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: decode self_hash: %w", err)
	}
	return Entry{
		Seq:           uint64(seq),
		PrevHash:      prevHash,
		EventKind:     EventKind(eventKind),
		Subject:       subject,
		PayloadDigest: payloadDigest,
		At:            at,
		SelfHash:      selfH,
	}, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
