package change

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/ruleset"
	"github.com/btcdecoded/govcore/internal/veto"
)

// Store persists ChangeRecords. Postgres (lib/pq) backs production
// deployments; SQLite (modernc.org/sqlite) backs single-node/test
// deployments. Both share this implementation, differing only in
// placeholder syntax via audit.Dialect.
type Store struct {
	db      *sql.DB
	dialect audit.Dialect
}

// NewStore wraps an already-opened *sql.DB and ensures the changes table
// exists.
func NewStore(ctx context.Context, db *sql.DB, dialect audit.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ph(n int) string {
	if s.dialect == audit.DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS changes (
			repo TEXT NOT NULL,
			number BIGINT NOT NULL,
			opened_at TEXT NOT NULL,
			layer INTEGER NOT NULL,
			head_revision TEXT NOT NULL,
			frozen_ruleset_version TEXT NOT NULL,
			signatures JSON NOT NULL,
			linked_changes JSON NOT NULL,
			emergency_active BOOLEAN NOT NULL,
			emergency_activated_by JSON NOT NULL DEFAULT '[]',
			emergency_expires_at TEXT NOT NULL DEFAULT '',
			veto_state JSON NOT NULL DEFAULT 'null',
			equivalence_proof TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			changed_paths JSON NOT NULL,
			PRIMARY KEY (repo, number)
		)`)
	if err != nil {
		return fmt.Errorf("change: migrate changes table: %w", err)
	}
	return nil
}

type recordRow struct {
	Signatures           []SignatureRecord `json:"signatures"`
	LinkedChanges        []ID              `json:"linked_changes"`
	ChangedPaths         []string          `json:"changed_paths"`
	EmergencyActivatedBy []string          `json:"emergency_activated_by"`
}

// Upsert inserts or replaces a ChangeRecord. Callers must hold the
// change's Lease (see Locker) before calling this — Upsert itself performs
// no locking.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	row := recordRow{Signatures: r.Signatures, LinkedChanges: r.LinkedChanges, ChangedPaths: r.ChangedPaths, EmergencyActivatedBy: r.EmergencyActivatedBy}
	sigJSON, err := json.Marshal(row.Signatures)
	if err != nil {
		return fmt.Errorf("change: marshal signatures: %w", err)
	}
	linkedJSON, err := json.Marshal(row.LinkedChanges)
	if err != nil {
		return fmt.Errorf("change: marshal linked_changes: %w", err)
	}
	pathsJSON, err := json.Marshal(row.ChangedPaths)
	if err != nil {
		return fmt.Errorf("change: marshal changed_paths: %w", err)
	}
	activatedByJSON, err := json.Marshal(row.EmergencyActivatedBy)
	if err != nil {
		return fmt.Errorf("change: marshal emergency_activated_by: %w", err)
	}
	vetoJSON, err := json.Marshal(r.VetoState)
	if err != nil {
		return fmt.Errorf("change: marshal veto_state: %w", err)
	}
	var expiresAtStr string
	if !r.EmergencyExpiresAt.IsZero() {
		expiresAtStr = r.EmergencyExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	query := fmt.Sprintf(`
		INSERT INTO changes (repo, number, opened_at, layer, head_revision, frozen_ruleset_version, signatures, linked_changes, emergency_active, emergency_activated_by, emergency_expires_at, veto_state, equivalence_proof, status, changed_paths)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (repo, number) DO UPDATE SET
			opened_at = excluded.opened_at,
			layer = excluded.layer,
			head_revision = excluded.head_revision,
			frozen_ruleset_version = excluded.frozen_ruleset_version,
			signatures = excluded.signatures,
			linked_changes = excluded.linked_changes,
			emergency_active = excluded.emergency_active,
			emergency_activated_by = excluded.emergency_activated_by,
			emergency_expires_at = excluded.emergency_expires_at,
			veto_state = excluded.veto_state,
			equivalence_proof = excluded.equivalence_proof,
			status = excluded.status,
			changed_paths = excluded.changed_paths`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15))

	_, err = s.db.ExecContext(ctx, query,
		r.ID.Repo, r.ID.Number, r.OpenedAt.UTC().Format(time.RFC3339Nano), int(r.Layer), r.HeadRevision,
		r.FrozenRuleSetVersion, string(sigJSON), string(linkedJSON), r.EmergencyActive, string(activatedByJSON), expiresAtStr,
		string(vetoJSON), r.EquivalenceProof, string(r.Status), string(pathsJSON),
	)
	if err != nil {
		return fmt.Errorf("change: upsert %s#%d: %w", r.ID.Repo, r.ID.Number, err)
	}
	return nil
}

const selectColumns = `repo, number, opened_at, layer, head_revision, frozen_ruleset_version, signatures, linked_changes, emergency_active, emergency_activated_by, emergency_expires_at, veto_state, equivalence_proof, status, changed_paths`

// Get retrieves a ChangeRecord by ID.
func (s *Store) Get(ctx context.Context, id ID) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM changes WHERE repo = %s AND number = %s`, selectColumns, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, id.Repo, id.Number)
	return scanRecordRow(row)
}

// ListOpen returns every non-terminal (not merged, not closed) ChangeRecord
// in repo. The cross-layer resolver uses this to search for inferred
// companions and to walk a link group's connected component beyond the
// candidates a single webhook event already carries.
func (s *Store) ListOpen(ctx context.Context, repo string) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM changes WHERE repo = %s AND status NOT IN ('merged', 'closed')`, selectColumns, s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, repo)
	if err != nil {
		return nil, fmt.Errorf("change: list open for %s: %w", repo, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEmergencyActive returns every non-terminal record whose emergency
// activation is still flagged on. Startup rehydration uses this to
// reschedule the expiry timers a previous process was holding.
func (s *Store) ListEmergencyActive(ctx context.Context) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM changes WHERE emergency_active AND status NOT IN ('merged', 'closed')`, selectColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("change: list emergency-active: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordRow(row rowScanner) (*Record, error) {
	var (
		repo, headRevision, frozenVersion, status string
		number                                    int64
		layer                                     int
		openedAtStr                               string
		sigJSON, linkedJSON, pathsJSON            string
		emergencyActive                           bool
		activatedByJSON                           string
		expiresAtStr                              string
		vetoJSON                                  string
		equivalenceProof                          string
	)
	err := row.Scan(&repo, &number, &openedAtStr, &layer, &headRevision, &frozenVersion, &sigJSON, &linkedJSON, &emergencyActive, &activatedByJSON, &expiresAtStr, &vetoJSON, &equivalenceProof, &status, &pathsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("change: record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("change: scan record: %w", err)
	}

	openedAt, err := time.Parse(time.RFC3339Nano, openedAtStr)
	if err != nil {
		return nil, fmt.Errorf("change: parse opened_at: %w", err)
	}
	var expiresAt time.Time
	if expiresAtStr != "" {
		expiresAt, err = time.Parse(time.RFC3339Nano, expiresAtStr)
		if err != nil {
			return nil, fmt.Errorf("change: parse emergency_expires_at: %w", err)
		}
	}

	var row2 recordRow
	if err := json.Unmarshal([]byte(sigJSON), &row2.Signatures); err != nil {
		return nil, fmt.Errorf("change: unmarshal signatures: %w", err)
	}
	if err := json.Unmarshal([]byte(linkedJSON), &row2.LinkedChanges); err != nil {
		return nil, fmt.Errorf("change: unmarshal linked_changes: %w", err)
	}
	if err := json.Unmarshal([]byte(pathsJSON), &row2.ChangedPaths); err != nil {
		return nil, fmt.Errorf("change: unmarshal changed_paths: %w", err)
	}
	if activatedByJSON != "" {
		if err := json.Unmarshal([]byte(activatedByJSON), &row2.EmergencyActivatedBy); err != nil {
			return nil, fmt.Errorf("change: unmarshal emergency_activated_by: %w", err)
		}
	}
	var vetoState *veto.Snapshot
	if vetoJSON != "" && vetoJSON != "null" {
		vetoState = &veto.Snapshot{}
		if err := json.Unmarshal([]byte(vetoJSON), vetoState); err != nil {
			return nil, fmt.Errorf("change: unmarshal veto_state: %w", err)
		}
	}

	return &Record{
		ID:                   ID{Repo: repo, Number: number},
		OpenedAt:             openedAt,
		Layer:                ruleset.Tier(layer),
		HeadRevision:         headRevision,
		FrozenRuleSetVersion: frozenVersion,
		Signatures:           row2.Signatures,
		LinkedChanges:        row2.LinkedChanges,
		EmergencyActive:      emergencyActive,
		EmergencyActivatedBy: row2.EmergencyActivatedBy,
		EmergencyExpiresAt:   expiresAt,
		VetoState:            vetoState,
		EquivalenceProof:     equivalenceProof,
		Status:               Status(status),
		ChangedPaths:         row2.ChangedPaths,
	}, nil
}
