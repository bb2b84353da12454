package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pharmatrace/hashing"
)

// ErrVersionConflict signals a compare-and-swap update lost to another writer.
var ErrVersionConflict = errors.New("batch: version conflict")

// Repository persists batches and their append-only history. Only the
// Manager writes through it.
type Repository interface {
	// Create inserts a new batch at version 1 together with its first history entry.
	Create(ctx context.Context, b Batch, entry HistoryEntry) (Batch, error)
	// Update stores b if the persisted version equals expectedVersion, bumps
	// the version and appends entries, all atomically.
	Update(ctx context.Context, b Batch, expectedVersion int64, entries ...HistoryEntry) (Batch, error)
	GetByID(ctx context.Context, batchID string) (Batch, error)
	GetByToken(ctx context.Context, tokenID string) (Batch, error)
	List(ctx context.Context, filter ListFilter) ([]Batch, error)
	History(ctx context.Context, batchID string) ([]HistoryEntry, error)
	// ListUnsettled returns batches that are minting, drafted or carry a
	// pending ledger operation.
	ListUnsettled(ctx context.Context, limit int) ([]Batch, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const batchColumns = `batch_id, ledger_token, document_ref, content_hash, linkage_hash, status, custodian,
	metadata, version, pending, failure_reason, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, b Batch, entry HistoryEntry) (Batch, error) {
	metadata, pending, err := encodeJSONColumns(b)
	if err != nil {
		return Batch{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO batches (batch_id, ledger_token, document_ref, content_hash, linkage_hash, status, custodian,
			metadata, version, pending, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
		RETURNING ` + batchColumns

	saved, err := scanBatch(tx.QueryRow(ctx, insertSQL,
		b.BatchID, nullable(b.LedgerToken), b.DocumentRef, b.ContentHash.Hex(), b.LinkageHash.Hex(),
		b.Status, b.Custodian, metadata, pending, b.FailureReason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Batch{}, ErrDuplicate
		}
		return Batch{}, fmt.Errorf("batch: insert: %w", err)
	}

	if err := appendHistory(ctx, tx, saved.BatchID, entry); err != nil {
		return Batch{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("batch: commit create: %w", err)
	}
	return r.GetByID(ctx, saved.BatchID)
}

func (r *PGRepository) Update(ctx context.Context, b Batch, expectedVersion int64, entries ...HistoryEntry) (Batch, error) {
	metadata, pending, err := encodeJSONColumns(b)
	if err != nil {
		return Batch{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE batches
		SET ledger_token = $3,
		    status = $4,
		    custodian = $5,
		    metadata = $6,
		    pending = $7,
		    failure_reason = $8,
		    version = version + 1,
		    updated_at = now()
		WHERE batch_id = $1 AND version = $2
		RETURNING ` + batchColumns

	saved, err := scanBatch(tx.QueryRow(ctx, updateSQL,
		b.BatchID, expectedVersion, nullable(b.LedgerToken), b.Status, b.Custodian, metadata, pending, b.FailureReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE batch_id = $1)`, b.BatchID).Scan(&exists); qerr != nil {
				return Batch{}, fmt.Errorf("batch: check existence: %w", qerr)
			}
			if !exists {
				return Batch{}, ErrNotFound
			}
			return Batch{}, ErrVersionConflict
		}
		return Batch{}, fmt.Errorf("batch: update: %w", err)
	}

	for _, e := range entries {
		if err := appendHistory(ctx, tx, saved.BatchID, e); err != nil {
			return Batch{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Batch{}, fmt.Errorf("batch: commit update: %w", err)
	}
	return r.GetByID(ctx, saved.BatchID)
}

func (r *PGRepository) GetByID(ctx context.Context, batchID string) (Batch, error) {
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("batch: get by id: %w", err)
	}
	b.History, err = r.History(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (r *PGRepository) GetByToken(ctx context.Context, tokenID string) (Batch, error) {
	var batchID string
	err := r.pool.QueryRow(ctx, `SELECT batch_id FROM batches WHERE ledger_token = $1`, tokenID).Scan(&batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("batch: get by token: %w", err)
	}
	return r.GetByID(ctx, batchID)
}

// List returns batches without their history, newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Batch, error) {
	limit, offset := normalizePage(filter)

	var custodian, status *string
	if filter.Custodian != "" {
		custodian = &filter.Custodian
	}
	if filter.Status != "" {
		v := string(filter.Status)
		status = &v
	}

	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE ($1::text IS NULL OR custodian = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, batch_id ASC
		LIMIT $3 OFFSET $4
	`
	return r.queryBatches(ctx, query, custodian, status, limit, offset)
}

func (r *PGRepository) ListUnsettled(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE pending IS NOT NULL OR status IN ('DRAFT', 'MINTING')
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return r.queryBatches(ctx, query, limit)
}

func (r *PGRepository) queryBatches(ctx context.Context, query string, args ...any) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch: list: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("batch: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) History(ctx context.Context, batchID string) ([]HistoryEntry, error) {
	const query = `
		SELECT seq, actor, action, recorded_at, previous_custodian, new_custodian, ledger_ref
		FROM batch_history
		WHERE batch_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch: history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Seq, &e.Actor, &e.Action, &e.Timestamp, &e.PreviousCustodian, &e.NewCustodian, &e.LedgerRef); err != nil {
			return nil, fmt.Errorf("batch: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch: iterate history: %w", err)
	}
	return out, nil
}

// appendHistory assigns the next seq for the batch. Callers hold the batch
// row lock taken by the preceding INSERT or UPDATE.
func appendHistory(ctx context.Context, tx pgx.Tx, batchID string, e HistoryEntry) error {
	const insertSQL = `
		INSERT INTO batch_history (batch_id, seq, actor, action, previous_custodian, new_custodian, ledger_ref, recorded_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM batch_history
		WHERE batch_id = $1
	`
	if _, err := tx.Exec(ctx, insertSQL, batchID, e.Actor, e.Action, e.PreviousCustodian, e.NewCustodian, e.LedgerRef, e.Timestamp); err != nil {
		return fmt.Errorf("batch: insert history: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b           Batch
		token       *string
		contentHex  string
		linkageHex  string
		metadataRaw []byte
		pendingRaw  []byte
	)
	err := row.Scan(
		&b.BatchID,
		&token,
		&b.DocumentRef,
		&contentHex,
		&linkageHex,
		&b.Status,
		&b.Custodian,
		&metadataRaw,
		&b.Version,
		&pendingRaw,
		&b.FailureReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return Batch{}, err
	}
	if token != nil {
		b.LedgerToken = *token
	}
	if b.ContentHash, err = hashing.ParseDigest(contentHex); err != nil {
		return Batch{}, fmt.Errorf("batch: decode content hash: %w", err)
	}
	if b.LinkageHash, err = hashing.ParseDigest(linkageHex); err != nil {
		return Batch{}, fmt.Errorf("batch: decode linkage hash: %w", err)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &b.Metadata); err != nil {
			return Batch{}, fmt.Errorf("batch: decode metadata: %w", err)
		}
	}
	if len(pendingRaw) > 0 && string(pendingRaw) != "null" {
		var p PendingOperation
		if err := json.Unmarshal(pendingRaw, &p); err != nil {
			return Batch{}, fmt.Errorf("batch: decode pending: %w", err)
		}
		b.Pending = &p
	}
	return b, nil
}

func encodeJSONColumns(b Batch) ([]byte, []byte, error) {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("batch: encode metadata: %w", err)
	}
	var pending []byte
	if b.Pending != nil {
		if pending, err = json.Marshal(b.Pending); err != nil {
			return nil, nil, fmt.Errorf("batch: encode pending: %w", err)
		}
	}
	return metadata, pending, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizePage(filter ListFilter) (int, int) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
