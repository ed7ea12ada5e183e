package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/jmoiron/sqlx"
)

// SQLStore persists jobs in PostgreSQL or SQLite. Queries are written with
// '?' placeholders and rebound for the connection's driver.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type jobRow struct {
	JobID         string         `db:"job_id"`
	TotalClients  int            `db:"total_clients"`
	DoneCount     int            `db:"done_count"`
	FeatureSchema sql.NullString `db:"feature_schema"`
	FinalResult   sql.NullString `db:"final_result"`
	ClaimedUntil  sql.NullInt64  `db:"claimed_until"`
}

// NewSQLStore creates a new SQLStore. The schema must already be migrated.
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

func (s *SQLStore) Exists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	query := s.db.Rebind(`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = ?)`)

	if err := s.db.GetContext(ctx, &exists, query, jobID); err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) Create(ctx context.Context, jobID string, totalClients int) error {
	query := s.db.Rebind(`
		INSERT INTO jobs (job_id, total_clients)
		VALUES (?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`)

	res, err := s.db.ExecContext(ctx, query, jobID, totalClients)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Job record created",
			slog.String("job_id", jobID),
			slog.Int("total_clients", totalClients),
		)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	var row jobRow
	query := s.db.Rebind(`
		SELECT job_id, total_clients, done_count, feature_schema, final_result, claimed_until
		FROM jobs
		WHERE job_id = ?
	`)

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	clients := []string{}
	clientsQuery := s.db.Rebind(`SELECT client_id FROM job_clients WHERE job_id = ? ORDER BY client_id`)
	if err := s.db.SelectContext(ctx, &clients, clientsQuery, jobID); err != nil {
		return nil, fmt.Errorf("failed to get job clients: %w", err)
	}

	job := &domain.JobRecord{
		JobID:          row.JobID,
		TotalClients:   row.TotalClients,
		DoneCount:      row.DoneCount,
		UpdatedClients: clients,
	}
	if row.ClaimedUntil.Valid {
		job.AggregationLeaseUntil = time.UnixMilli(row.ClaimedUntil.Int64)
	}
	if err := decodeColumns(job, []byte(row.FeatureSchema.String), []byte(row.FinalResult.String)); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLStore) StoreSchemaOnce(ctx context.Context, jobID string, schema []domain.FeatureSpec) (bool, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return false, fmt.Errorf("failed to marshal schema: %w", err)
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET feature_schema = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND feature_schema IS NULL
	`)

	res, err := s.db.ExecContext(ctx, query, string(data), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to store schema: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	exists, err := s.Exists(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

// RecordClientDone inserts the membership row and bumps done_count in one
// transaction. The guarded UPDATE is the compare-and-set that closes the barrier.
func (s *SQLStore) RecordClientDone(ctx context.Context, jobID, clientID string) (domain.RecordOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.RecordOutcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcome, err := s.readCounts(ctx, tx, jobID)
	if err != nil {
		return domain.RecordOutcome{}, err
	}

	insert := tx.Rebind(`
		INSERT INTO job_clients (job_id, client_id)
		VALUES (?, ?)
		ON CONFLICT (job_id, client_id) DO NOTHING
	`)
	res, err := tx.ExecContext(ctx, insert, jobID, clientID)
	if err != nil {
		return domain.RecordOutcome{}, fmt.Errorf("failed to record client: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.RecordOutcome{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		// already a member
		return s.readCounts(ctx, tx, jobID)
	}

	update := tx.Rebind(`
		UPDATE jobs
		SET done_count = done_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND done_count < total_clients
		RETURNING done_count, total_clients
	`)
	err = tx.QueryRowxContext(ctx, update, jobID).Scan(&outcome.DoneCount, &outcome.TotalClients)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Barrier full, client not recorded",
				slog.String("job_id", jobID),
				slog.String("client_id", clientID),
			)
			outcome.Full = true
			return outcome, nil
		}
		return domain.RecordOutcome{}, fmt.Errorf("failed to increment done count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.RecordOutcome{}, fmt.Errorf("failed to commit client record: %w", err)
	}

	outcome.Added = true
	outcome.Closed = outcome.DoneCount == outcome.TotalClients
	return outcome, nil
}

func (s *SQLStore) readCounts(ctx context.Context, tx *sqlx.Tx, jobID string) (domain.RecordOutcome, error) {
	var outcome domain.RecordOutcome
	query := tx.Rebind(`SELECT done_count, total_clients FROM jobs WHERE job_id = ?`)

	err := tx.QueryRowxContext(ctx, query, jobID).Scan(&outcome.DoneCount, &outcome.TotalClients)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RecordOutcome{}, domain.ErrJobNotFound
		}
		return domain.RecordOutcome{}, fmt.Errorf("failed to read job counts: %w", err)
	}
	return outcome, nil
}

func (s *SQLStore) SetFinalResult(ctx context.Context, jobID string, result *domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal final result: %w", err)
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET final_result = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ?
	`)

	res, err := s.db.ExecContext(ctx, query, string(data), jobID)
	if err != nil {
		return fmt.Errorf("failed to set final result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Info("Final result stored",
		slog.String("job_id", jobID),
		slog.String("status", string(result.Status)),
	)
	return nil
}

// ClaimAggregation is a guarded UPDATE: it only matches when the lease is free,
// expired or already held by owner. Lease times are stored as unix milliseconds.
func (s *SQLStore) ClaimAggregation(ctx context.Context, jobID, owner string, now time.Time, lease time.Duration) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET claim_owner = ?, claimed_until = ?, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ?
		  AND (claim_owner IS NULL OR claim_owner = ? OR claimed_until <= ?)
	`)

	res, err := s.db.ExecContext(ctx, query, owner, now.Add(lease).UnixMilli(), jobID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim aggregation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	exists, err := s.Exists(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrJobNotFound
	}
	return false, nil
}

func (s *SQLStore) ReleaseAggregation(ctx context.Context, jobID, owner string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET claim_owner = NULL, claimed_until = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND claim_owner = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, jobID, owner); err != nil {
		return fmt.Errorf("failed to release aggregation: %w", err)
	}
	return nil
}
