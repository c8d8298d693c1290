package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	job_id, idempotency_key, chain, payload, state, attempts, max_attempts,
	chain_tx_ref, prior_tx_refs, last_error, not_before, claimed_by, lease_expires_at,
	submitted_at, callback_delivered_at, created_at, updated_at`

// Schema creates the transaction_jobs table and its indexes
const Schema = `
CREATE TABLE IF NOT EXISTS transaction_jobs (
	job_id                UUID PRIMARY KEY,
	idempotency_key       TEXT NOT NULL,
	chain                 TEXT NOT NULL,
	payload               JSONB NOT NULL,
	state                 TEXT NOT NULL CHECK (state IN ('pending','submitted','confirming','confirmed','failed','abandoned')),
	attempts              INTEGER NOT NULL DEFAULT 0,
	max_attempts          INTEGER NOT NULL,
	chain_tx_ref          TEXT,
	prior_tx_refs         TEXT[] NOT NULL DEFAULT '{}',
	last_error            TEXT,
	not_before            TIMESTAMPTZ NOT NULL,
	claimed_by            TEXT,
	lease_expires_at      TIMESTAMPTZ,
	submitted_at          TIMESTAMPTZ,
	callback_delivered_at TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	CONSTRAINT attempts_within_max CHECK (attempts <= max_attempts),
	CONSTRAINT tx_ref_matches_state CHECK ((chain_tx_ref IS NOT NULL) = (state IN ('submitted','confirming','confirmed')))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_transaction_jobs_idempotency_key
	ON transaction_jobs (idempotency_key) WHERE state <> 'abandoned';

CREATE INDEX IF NOT EXISTS idx_transaction_jobs_claimable
	ON transaction_jobs (chain, not_before, created_at) WHERE state = 'pending';

CREATE INDEX IF NOT EXISTS idx_transaction_jobs_in_flight
	ON transaction_jobs (chain, updated_at) WHERE state IN ('submitted','confirming');

CREATE INDEX IF NOT EXISTS idx_transaction_jobs_undelivered
	ON transaction_jobs (updated_at)
	WHERE callback_delivered_at IS NULL AND state IN ('confirmed','failed','abandoned');

CREATE INDEX IF NOT EXISTS idx_transaction_jobs_created
	ON transaction_jobs (created_at DESC, job_id DESC);
`

// Postgres is the production Store backed by PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a new Postgres store
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the schema if it does not exist
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID               string         `db:"job_id"`
	IdempotencyKey      string         `db:"idempotency_key"`
	Chain               string         `db:"chain"`
	Payload             domain.Payload `db:"payload"`
	State               string         `db:"state"`
	Attempts            int            `db:"attempts"`
	MaxAttempts         int            `db:"max_attempts"`
	ChainTxRef          sql.NullString `db:"chain_tx_ref"`
	PriorTxRefs         pq.StringArray `db:"prior_tx_refs"`
	LastError           sql.NullString `db:"last_error"`
	NotBefore           time.Time      `db:"not_before"`
	ClaimedBy           sql.NullString `db:"claimed_by"`
	LeaseExpiresAt      sql.NullTime   `db:"lease_expires_at"`
	SubmittedAt         sql.NullTime   `db:"submitted_at"`
	CallbackDeliveredAt sql.NullTime   `db:"callback_delivered_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:             r.JobID,
		IdempotencyKey: r.IdempotencyKey,
		Chain:          domain.Chain(r.Chain),
		Payload:        r.Payload,
		State:          domain.State(r.State),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		ChainTxRef:     r.ChainTxRef.String,
		LastError:      r.LastError.String,
		NotBefore:      r.NotBefore,
		ClaimedBy:      r.ClaimedBy.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.PriorTxRefs) > 0 {
		job.PriorTxRefs = []string(r.PriorTxRefs)
	}
	job.LeaseExpiresAt = nullTime(r.LeaseExpiresAt)
	job.SubmittedAt = nullTime(r.SubmittedAt)
	job.CallbackDeliveredAt = nullTime(r.CallbackDeliveredAt)
	return job
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts a job; a conflicting live idempotency key resolves to the existing job
func (s *Postgres) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	query := `
		INSERT INTO transaction_jobs (
			job_id, idempotency_key, chain, payload, state, attempts, max_attempts,
			last_error, not_before, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11
		)
		ON CONFLICT (idempotency_key) WHERE state <> 'abandoned' DO NOTHING
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(
		ctx,
		&row,
		query,
		job.ID,
		job.IdempotencyKey,
		string(job.Chain),
		job.Payload,
		string(job.State),
		job.Attempts,
		job.MaxAttempts,
		nullString(job.LastError),
		job.NotBefore,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	existing, err := s.GetByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load job for duplicate idempotency key: %w", err)
	}

	s.logger.Info("Idempotency key already in use, returning existing job",
		slog.String("idempotency_key", job.IdempotencyKey),
		slog.String("job_id", existing.ID),
	)
	return existing, false, nil
}

func (s *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transaction_jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Postgres) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM transaction_jobs
		WHERE idempotency_key = $1 AND state <> 'abandoned'`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Postgres) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transaction_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Chain != "" {
		query += fmt.Sprintf(" AND chain = $%d", argIdx)
		args = append(args, string(filter.Chain))
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// One extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toDomainJobs(rows), nil
}

func toDomainJobs(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs
}

// Claim takes the lease on a single job using optimistic locking
func (s *Postgres) Claim(ctx context.Context, jobID, workerID string, leaseExpiry, now time.Time) (bool, error) {
	query := `
		UPDATE transaction_jobs
		SET claimed_by = $1,
		    lease_expires_at = $2,
		    updated_at = $3
		WHERE job_id = $4
		  AND state = 'pending'
		  AND not_before <= $3
		  AND (claimed_by IS NULL OR lease_expires_at < $3)
	`

	result, err := s.db.ExecContext(ctx, query, workerID, leaseExpiry, now, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return affectedOne(result)
}

// ClaimNext claims the oldest eligible job of a chain. SKIP LOCKED keeps
// concurrent workers from blocking on each other's candidate rows.
func (s *Postgres) ClaimNext(ctx context.Context, chain domain.Chain, workerID string, leaseExpiry, now time.Time) (*domain.Job, error) {
	query := `
		UPDATE transaction_jobs
		SET claimed_by = $1,
		    lease_expires_at = $2,
		    updated_at = $3
		WHERE job_id = (
			SELECT job_id
			FROM transaction_jobs
			WHERE chain = $4
			  AND state = 'pending'
			  AND not_before <= $3
			  AND (claimed_by IS NULL OR lease_expires_at < $3)
			ORDER BY not_before, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, workerID, leaseExpiry, now, string(chain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.JobID),
		slog.String("worker_id", workerID),
		slog.String("chain", row.Chain),
	)
	return row.toDomain(), nil
}

func (s *Postgres) ExtendLease(ctx context.Context, jobID, workerID string, leaseExpiry time.Time) (bool, error) {
	query := `
		UPDATE transaction_jobs
		SET lease_expires_at = $1
		WHERE job_id = $2 AND state = 'pending' AND claimed_by = $3
	`

	result, err := s.db.ExecContext(ctx, query, leaseExpiry, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return affectedOne(result)
}

// Transition is the compare-and-transition primitive. Column references on the
// right-hand side of SET see the pre-update row.
func (s *Postgres) Transition(ctx context.Context, jobID string, expected, next domain.State, update Update) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	query := `
		UPDATE transaction_jobs
		SET state = $3::text,
		    attempts = COALESCE($4::int, attempts),
		    last_error = COALESCE($5::text, last_error),
		    not_before = COALESCE($6::timestamptz, not_before),
		    submitted_at = COALESCE($7::timestamptz, submitted_at),
		    chain_tx_ref = CASE
				WHEN $3::text IN ('submitted','confirming','confirmed') THEN COALESCE($8::text, chain_tx_ref)
				ELSE NULL
			END,
		    prior_tx_refs = CASE
				WHEN $3::text NOT IN ('submitted','confirming','confirmed') AND chain_tx_ref IS NOT NULL
					THEN array_append(prior_tx_refs, chain_tx_ref)
				ELSE prior_tx_refs
			END,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = $9
		WHERE job_id = $1
		  AND state = $2::text
		  AND ($10::text = '' OR claimed_by = $10::text)
		  AND (NOT $11::boolean OR claimed_by IS NULL OR lease_expires_at < $9)
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		jobID,
		string(expected),
		string(next),
		update.Attempts,
		update.LastError,
		update.NotBefore,
		update.SubmittedAt,
		update.ChainTxRef,
		update.Now,
		update.Owner,
		update.RequireUnclaimed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s -> %s: %w", expected, next, err)
	}

	applied, err := affectedOne(result)
	if err != nil {
		return false, err
	}
	if applied {
		s.logger.Info("Job state updated",
			slog.String("job_id", jobID),
			slog.String("from", string(expected)),
			slog.String("to", string(next)),
		)
	}
	return applied, nil
}

func (s *Postgres) ListInFlight(ctx context.Context, chain domain.Chain, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM transaction_jobs
		WHERE chain = $1 AND state IN ('submitted','confirming')
		ORDER BY updated_at
		LIMIT $2`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(chain), limit); err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	return toDomainJobs(rows), nil
}

func (s *Postgres) ListUndelivered(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM transaction_jobs
		WHERE callback_delivered_at IS NULL
		  AND state IN ('confirmed','failed','abandoned')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list undelivered jobs: %w", err)
	}
	return toDomainJobs(rows), nil
}

func (s *Postgres) MarkCallbackDelivered(ctx context.Context, jobID string, at time.Time) (bool, error) {
	query := `
		UPDATE transaction_jobs
		SET callback_delivered_at = $1
		WHERE job_id = $2
		  AND callback_delivered_at IS NULL
		  AND state IN ('confirmed','failed','abandoned')
	`

	result, err := s.db.ExecContext(ctx, query, at, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark callback delivered: %w", err)
	}
	return affectedOne(result)
}

func affectedOne(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}
