package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository defines the interface for round and validator persistence
type Repository interface {
	// Round archive operations
	SaveRoundArchive(ctx context.Context, archive *RoundArchive) error
	GetRoundArchive(ctx context.Context, roundID string) (*RoundArchive, error)
	ListRoundArchives(ctx context.Context, filter RoundFilter) ([]*RoundArchive, error)

	// Validator record operations
	SaveValidatorRecord(ctx context.Context, record *ValidatorRecord) error
	GetValidatorRecord(ctx context.Context, validatorID string) (*ValidatorRecord, error)
	ListValidatorRecords(ctx context.Context, filter ValidatorFilter) ([]*ValidatorRecord, error)
}

// RoundFilter defines filter parameters for round archive queries
type RoundFilter struct {
	FeedID   string
	State    string
	FromTime *time.Time
	ToTime   *time.Time
	Limit    int
	Offset   int
}

// ValidatorFilter defines filter parameters for validator record queries
type ValidatorFilter struct {
	MinReputation *float64
	MaxReputation *float64
	Limit         int
	Offset        int
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping verifies database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InitSchema creates the repository tables if they do not exist
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}
	return nil
}

// SaveRoundArchive persists a terminal round record
func (r *PostgresRepository) SaveRoundArchive(ctx context.Context, archive *RoundArchive) error {
	if err := archive.Validate(); err != nil {
		return fmt.Errorf("validating round archive: %w", err)
	}

	commitments, err := json.Marshal(archive.Commitments)
	if err != nil {
		return fmt.Errorf("encoding commitments: %w", err)
	}
	reveals, err := json.Marshal(archive.Reveals)
	if err != nil {
		return fmt.Errorf("encoding reveals: %w", err)
	}
	var aggregate, signed []byte
	if archive.Aggregate != nil {
		if aggregate, err = json.Marshal(archive.Aggregate); err != nil {
			return fmt.Errorf("encoding aggregate: %w", err)
		}
	}
	if archive.Signed != nil {
		if signed, err = json.Marshal(archive.Signed); err != nil {
			return fmt.Errorf("encoding signed result: %w", err)
		}
	}

	query := `
		INSERT INTO round_archives (
			round_id, feed_id, round_number, state, eligible,
			commitments, reveals, aggregate, signed, failure_reason, archived_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err = r.pool.Exec(ctx, query,
		archive.RoundID, archive.FeedID, archive.RoundNumber, archive.State,
		archive.Eligible, commitments, reveals, aggregate, signed,
		archive.FailureReason, archive.ArchivedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting round archive: %w", err)
	}

	return nil
}

// GetRoundArchive retrieves a round archive by round ID
func (r *PostgresRepository) GetRoundArchive(ctx context.Context, roundID string) (*RoundArchive, error) {
	query := `
		SELECT round_id, feed_id, round_number, state, eligible,
			   commitments, reveals, aggregate, signed, failure_reason, archived_at
		FROM round_archives
		WHERE round_id = $1`

	return r.scanRoundArchive(r.pool.QueryRow(ctx, query, roundID))
}

// ListRoundArchives retrieves round archives matching the filter
func (r *PostgresRepository) ListRoundArchives(ctx context.Context, filter RoundFilter) ([]*RoundArchive, error) {
	query := `
		SELECT round_id, feed_id, round_number, state, eligible,
			   commitments, reveals, aggregate, signed, failure_reason, archived_at
		FROM round_archives
		WHERE 1=1`

	args := make([]interface{}, 0)
	argCount := 1

	if filter.FeedID != "" {
		query += fmt.Sprintf(" AND feed_id = $%d", argCount)
		args = append(args, filter.FeedID)
		argCount++
	}
	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argCount)
		args = append(args, filter.State)
		argCount++
	}
	if filter.FromTime != nil {
		query += fmt.Sprintf(" AND archived_at >= $%d", argCount)
		args = append(args, *filter.FromTime)
		argCount++
	}
	if filter.ToTime != nil {
		query += fmt.Sprintf(" AND archived_at <= $%d", argCount)
		args = append(args, *filter.ToTime)
		argCount++
	}

	query += " ORDER BY round_number DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying round archives: %w", err)
	}
	defer rows.Close()

	var archives []*RoundArchive
	for rows.Next() {
		archive, err := r.scanRoundArchive(rows)
		if err != nil {
			return nil, err
		}
		archives = append(archives, archive)
	}

	return archives, rows.Err()
}

// SaveValidatorRecord upserts a validator record
func (r *PostgresRepository) SaveValidatorRecord(ctx context.Context, record *ValidatorRecord) error {
	slashes, err := json.Marshal(record.SlashHistory)
	if err != nil {
		return fmt.Errorf("encoding slash history: %w", err)
	}

	query := `
		INSERT INTO validator_records (
			validator_id, public_key, stake_weight, reputation_score,
			consecutive_failures, slash_history, suspended_until, rounds, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (validator_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			stake_weight = EXCLUDED.stake_weight,
			reputation_score = EXCLUDED.reputation_score,
			consecutive_failures = EXCLUDED.consecutive_failures,
			slash_history = EXCLUDED.slash_history,
			suspended_until = EXCLUDED.suspended_until,
			rounds = EXCLUDED.rounds,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		record.ValidatorID, record.PublicKey, record.StakeWeight,
		record.ReputationScore, record.ConsecutiveFailures, slashes,
		record.SuspendedUntil, record.Rounds, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving validator record: %w", err)
	}

	return nil
}

// GetValidatorRecord retrieves a validator record by ID
func (r *PostgresRepository) GetValidatorRecord(ctx context.Context, validatorID string) (*ValidatorRecord, error) {
	query := `
		SELECT validator_id, public_key, stake_weight, reputation_score,
			   consecutive_failures, slash_history, suspended_until, rounds, updated_at
		FROM validator_records
		WHERE validator_id = $1`

	record := &ValidatorRecord{}
	var slashes []byte
	err := r.pool.QueryRow(ctx, query, validatorID).Scan(
		&record.ValidatorID, &record.PublicKey, &record.StakeWeight,
		&record.ReputationScore, &record.ConsecutiveFailures, &slashes,
		&record.SuspendedUntil, &record.Rounds, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying validator record: %w", err)
	}

	if len(slashes) > 0 {
		if err := json.Unmarshal(slashes, &record.SlashHistory); err != nil {
			return nil, fmt.Errorf("decoding slash history: %w", err)
		}
	}

	return record, nil
}

// ListValidatorRecords retrieves validator records matching the filter
func (r *PostgresRepository) ListValidatorRecords(ctx context.Context, filter ValidatorFilter) ([]*ValidatorRecord, error) {
	query := `
		SELECT validator_id, public_key, stake_weight, reputation_score,
			   consecutive_failures, slash_history, suspended_until, rounds, updated_at
		FROM validator_records
		WHERE 1=1`

	args := make([]interface{}, 0)
	argCount := 1

	if filter.MinReputation != nil {
		query += fmt.Sprintf(" AND reputation_score >= $%d", argCount)
		args = append(args, *filter.MinReputation)
		argCount++
	}
	if filter.MaxReputation != nil {
		query += fmt.Sprintf(" AND reputation_score <= $%d", argCount)
		args = append(args, *filter.MaxReputation)
		argCount++
	}

	query += " ORDER BY reputation_score DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying validator records: %w", err)
	}
	defer rows.Close()

	var records []*ValidatorRecord
	for rows.Next() {
		record := &ValidatorRecord{}
		var slashes []byte
		err := rows.Scan(
			&record.ValidatorID, &record.PublicKey, &record.StakeWeight,
			&record.ReputationScore, &record.ConsecutiveFailures, &slashes,
			&record.SuspendedUntil, &record.Rounds, &record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning validator record: %w", err)
		}
		if len(slashes) > 0 {
			if err := json.Unmarshal(slashes, &record.SlashHistory); err != nil {
				return nil, fmt.Errorf("decoding slash history: %w", err)
			}
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresRepository) scanRoundArchive(row rowScanner) (*RoundArchive, error) {
	archive := &RoundArchive{}
	var commitments, reveals, aggregate, signed []byte

	err := row.Scan(
		&archive.RoundID, &archive.FeedID, &archive.RoundNumber, &archive.State,
		&archive.Eligible, &commitments, &reveals, &aggregate, &signed,
		&archive.FailureReason, &archive.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning round archive: %w", err)
	}

	if err := json.Unmarshal(commitments, &archive.Commitments); err != nil {
		return nil, fmt.Errorf("decoding commitments: %w", err)
	}
	if err := json.Unmarshal(reveals, &archive.Reveals); err != nil {
		return nil, fmt.Errorf("decoding reveals: %w", err)
	}
	if len(aggregate) > 0 {
		if err := json.Unmarshal(aggregate, &archive.Aggregate); err != nil {
			return nil, fmt.Errorf("decoding aggregate: %w", err)
		}
	}
	if len(signed) > 0 {
		if err := json.Unmarshal(signed, &archive.Signed); err != nil {
			return nil, fmt.Errorf("decoding signed result: %w", err)
		}
	}

	return archive, nil
}

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 is unique_violation
		return pgErr.Code == "23505"
	}
	return false
}
