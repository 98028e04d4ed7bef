package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/vialytics/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by read helpers when no row matches.
var ErrNotFound = errors.New("not found")

// ErrInvalidRawMeta is returned when Postgres refuses the raw_meta document,
// for example a \u0000 escape that JSONB cannot hold.
var ErrInvalidRawMeta = errors.New("raw_meta rejected by database")

// Postgres error codes for documents JSONB will not accept.
const (
	pgInvalidTextRepresentation = "22P02"
	pgUntranslatableCharacter   = "22P05"
)

// Store provides the idempotent writes and existence checks used by the
// reconciliation pipeline. The pool is injected and shared by every caller;
// each method issues exactly one statement.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Transaction is a stored transaction record.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Fee       uint64
	Status    bool
	RawMeta   json.RawMessage
	CreatedAt time.Time
}

// Movement is a stored token movement.
type Movement struct {
	ID           int64
	Signature    string
	AccountIndex uint16
	Mint         string
	Amount       int64
	Decimals     uint8
	Source       *string
	Destination  *string
	BlockTime    *int64
	CreatedAt    time.Time
}

// InsertTransactionParams contains the parameters for recording a transaction.
type InsertTransactionParams struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Fee       uint64
	Status    bool
	RawMeta   json.RawMessage // nil stores NULL
}

// InsertMovementParams contains the parameters for recording a token movement.
type InsertMovementParams struct {
	Signature    string
	AccountIndex uint16
	Mint         string
	Amount       int64
	Decimals     uint8
	Source       *string
	Destination  *string
	BlockTime    *int64
}

// InsertTransaction records a transaction. A row that already exists for the
// signature is left untouched; inserted reports whether this call created it.
func (s *Store) InsertTransaction(ctx context.Context, params InsertTransactionParams) (bool, error) {
	const query = `
		INSERT INTO transactions (signature, slot, block_time, fee, status, raw_meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING`

	var rawMeta any
	if len(params.RawMeta) > 0 {
		rawMeta = string(params.RawMeta)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query,
		params.Signature,
		int64(params.Slot),
		params.BlockTime,
		int64(params.Fee),
		params.Status,
		rawMeta,
	)
	s.record("insert", "transactions", start, err)
	if err != nil {
		if rawMeta != nil && isRawMetaRejection(err) {
			return false, fmt.Errorf("failed to insert transaction %s: %w: %w", params.Signature, ErrInvalidRawMeta, err)
		}
		return false, fmt.Errorf("failed to insert transaction %s: %w", params.Signature, err)
	}

	return tag.RowsAffected() == 1, nil
}

// InsertMovement appends a token movement. A movement already recorded for the
// same (signature, account_index, mint) is ignored; inserted reports whether
// this call created the row.
func (s *Store) InsertMovement(ctx context.Context, params InsertMovementParams) (bool, error) {
	const query = `
		INSERT INTO token_movements (signature, account_index, mint, amount, decimals, source, destination, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT token_movements_signature_account_mint_key DO NOTHING`

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query,
		params.Signature,
		int32(params.AccountIndex),
		params.Mint,
		params.Amount,
		int16(params.Decimals),
		params.Source,
		params.Destination,
		params.BlockTime,
	)
	s.record("insert", "token_movements", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to insert movement %s/%s: %w", params.Signature, params.Mint, err)
	}

	return tag.RowsAffected() == 1, nil
}

// TransactionExists reports whether a transaction record exists for signature.
func (s *Store) TransactionExists(ctx context.Context, signature string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM transactions WHERE signature = $1)`

	start := time.Now()
	var exists bool
	err := s.pool.QueryRow(ctx, query, signature).Scan(&exists)
	s.record("exists", "transactions", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction %s: %w", signature, err)
	}
	return exists, nil
}

// GetTransaction retrieves a transaction record by signature.
func (s *Store) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	const query = `
		SELECT signature, slot, block_time, fee, status, raw_meta, created_at
		FROM transactions
		WHERE signature = $1`

	start := time.Now()
	var (
		txn     Transaction
		slot    int64
		fee     int64
		rawMeta []byte
	)
	err := s.pool.QueryRow(ctx, query, signature).Scan(
		&txn.Signature, &slot, &txn.BlockTime, &fee, &txn.Status, &rawMeta, &txn.CreatedAt,
	)
	s.record("select", "transactions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}

	txn.Slot = uint64(slot)
	txn.Fee = uint64(fee)
	if rawMeta != nil {
		txn.RawMeta = json.RawMessage(rawMeta)
	}
	return &txn, nil
}

// ListMovements retrieves the movements recorded for a signature ordered by
// account index and mint.
func (s *Store) ListMovements(ctx context.Context, signature string) ([]*Movement, error) {
	const query = `
		SELECT id, signature, account_index, mint, amount, decimals, source, destination, block_time, created_at
		FROM token_movements
		WHERE signature = $1
		ORDER BY account_index, mint`

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, signature)
	if err != nil {
		s.record("select", "token_movements", start, err)
		return nil, fmt.Errorf("failed to list movements for %s: %w", signature, err)
	}
	defer rows.Close()

	var movements []*Movement
	for rows.Next() {
		var (
			m            Movement
			accountIndex int32
			decimals     int16
		)
		if err := rows.Scan(
			&m.ID, &m.Signature, &accountIndex, &m.Mint, &m.Amount, &decimals,
			&m.Source, &m.Destination, &m.BlockTime, &m.CreatedAt,
		); err != nil {
			s.record("select", "token_movements", start, err)
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.AccountIndex = uint16(accountIndex)
		m.Decimals = uint8(decimals)
		movements = append(movements, &m)
	}
	err = rows.Err()
	s.record("select", "token_movements", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements for %s: %w", signature, err)
	}

	return movements, nil
}

func (s *Store) record(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

func isRawMetaRejection(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUntranslatableCharacter || pgErr.Code == pgInvalidTextRepresentation
}
