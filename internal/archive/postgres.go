package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/innkeep/eagle-eye/internal/ledger"
)

// pgRepo implements Repo for PostgreSQL.
type pgRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresRepo creates a PostgreSQL archive repository. A non-positive
// timeout falls back to 5s per statement.
func NewPostgresRepo(db *sqlx.DB, timeout time.Duration) Repo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &pgRepo{
		db:      db,
		timeout: timeout,
	}
}

// Open connects to Postgres and returns a ready repository.
func Open(dsn string, timeout time.Duration) (Repo, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresRepo(db, timeout), nil
}

// Migrate creates the ledger_entries table and its indexes when missing.
func (r *pgRepo) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			sequence_number BIGINT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			slot_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL DEFAULT '',
			previous_hash TEXT NOT NULL DEFAULT '',
			integrity_digest TEXT NOT NULL,
			signature TEXT NOT NULL,
			metadata JSONB,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_slot_id ON ledger_entries (slot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_task_type ON ledger_entries (task_type)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}

	return nil
}

// Insert archives a single ledger entry with its metadata as JSONB.
func (r *pgRepo) Insert(ctx context.Context, entry *ledger.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries
			(id, sequence_number, ts, slot_id, task_type, input_hash,
			 output_hash, previous_hash, integrity_digest, signature, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.SequenceNumber, entry.Timestamp, entry.SlotID,
		entry.TaskType, entry.InputHash, entry.OutputHash, entry.PreviousHash,
		entry.IntegrityDigest, entry.Signature, metadataJSON)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("entry %s: %w", entry.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert entry: %w", err)
	}

	return nil
}

// CountByTaskType returns archived entry counts grouped by task type.
func (r *pgRepo) CountByTaskType(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT task_type, COUNT(*)
		FROM ledger_entries
		GROUP BY task_type
		ORDER BY task_type`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by task type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var taskType string
		var count int64
		if err := rows.Scan(&taskType, &count); err != nil {
			return nil, fmt.Errorf("scan task type count: %w", err)
		}
		counts[taskType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task type counts: %w", err)
	}

	return counts, nil
}

// RecentEntries returns the most recently sequenced archived entries.
func (r *pgRepo) RecentEntries(ctx context.Context, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, sequence_number, ts, slot_id, task_type, input_hash,
		       output_hash, previous_hash, integrity_digest, signature,
		       metadata, archived_at
		FROM ledger_entries
		ORDER BY sequence_number DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	return r.scanRecords(rows)
}

// Close releases the underlying database handle.
func (r *pgRepo) Close() error {
	return r.db.Close()
}

func (r *pgRepo) scanRecords(rows *sqlx.Rows) ([]Record, error) {
	var records []Record

	for rows.Next() {
		record, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

func (r *pgRepo) scanRecord(rows *sqlx.Rows) (*Record, error) {
	var record Record
	var metadataJSON []byte

	err := rows.Scan(
		&record.ID, &record.SequenceNumber, &record.Timestamp, &record.SlotID,
		&record.TaskType, &record.InputHash, &record.OutputHash,
		&record.PreviousHash, &record.IntegrityDigest, &record.Signature,
		&metadataJSON, &record.ArchivedAt)

	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &record, nil
}
