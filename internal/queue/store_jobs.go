package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"syntheme/internal/services"
)

const jobColumns = "id, upload_id, syntheme, state, error_detail, exit_code, created_at, started_at, finished_at"

// NewJob inserts a job in the queued state referencing an existing upload.
func (s *Store) NewJob(ctx context.Context, uploadID, syntheme string) (*Job, error) {
	if strings.TrimSpace(uploadID) == "" {
		return nil, errors.New("upload id is required")
	}
	if strings.TrimSpace(syntheme) == "" {
		return nil, errors.New("syntheme name is required")
	}

	res, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (upload_id, syntheme, state, created_at) VALUES (?, ?, ?, ?)`,
		uploadID, syntheme, StateQueued, formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "get job", fmt.Sprintf("job %d", id), nil)
	}
	return job, err
}

// ListJobs returns jobs ordered by id, optionally filtered by state.
func (s *Store) ListJobs(ctx context.Context, states ...State) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += " WHERE state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState returns the number of jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT state, COUNT(1) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var (
			state State
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// MarkRunning transitions a queued job to running, recording the start
// timestamp. Returns ErrConflict when the job was no longer queued, which
// happens when a cancellation won the race.
func (s *Store) MarkRunning(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx,
		"UPDATE jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?",
		StateRunning, formatTime(time.Now()), id, StateQueued,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireOneRow(res, id)
}

// CancelQueued transitions a queued job directly to cancelled without it
// ever entering running. Returns ErrConflict when the job left queued first.
func (s *Store) CancelQueued(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx,
		"UPDATE jobs SET state = ?, finished_at = ? WHERE id = ? AND state = ?",
		StateCancelled, formatTime(time.Now()), id, StateQueued,
	)
	if err != nil {
		return fmt.Errorf("cancel queued: %w", err)
	}
	return requireOneRow(res, id)
}

// SettleRunning moves a running job into a terminal state exactly once.
// Returns ErrConflict if the job was not running (already settled).
func (s *Store) SettleRunning(ctx context.Context, id int64, to State, errorDetail string, exitCode *int) error {
	if !to.Terminal() {
		return fmt.Errorf("settle to non-terminal state %q", to)
	}
	if !CanTransition(StateRunning, to) {
		return fmt.Errorf("illegal transition running -> %s", to)
	}
	res, err := s.execWithRetry(ctx,
		"UPDATE jobs SET state = ?, error_detail = ?, exit_code = ?, finished_at = ? WHERE id = ? AND state = ?",
		to, errorDetail, nullableInt(exitCode), formatTime(time.Now()), id, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	return requireOneRow(res, id)
}

// CompleteJob atomically marks a running job succeeded and registers its
// artifact, so an artifact row exists only for succeeded jobs. Returns
// ErrConflict if the job already settled (the caller should discard the
// output file).
func (s *Store) CompleteJob(ctx context.Context, id int64, artifact *Artifact) error {
	if artifact == nil {
		return errors.New("artifact is required")
	}
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, finished_at = ?, exit_code = 0 WHERE id = ? AND state = ?",
			StateSucceeded, formatTime(time.Now()), id, StateRunning,
		)
		if err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		if err := requireOneRow(res, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (job_id, id, path, preview_path, content_type, size_bytes, created_at, expires_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id,
			artifact.ID,
			artifact.Path,
			artifact.PreviewPath,
			artifact.ContentType,
			artifact.SizeBytes,
			formatTime(artifact.CreatedAt),
			formatTime(artifact.ExpiresAt),
		); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}

		return tx.Commit()
	})
}

func requireOneRow(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %d: %w", id, ErrConflict)
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		uploadID   sql.NullString
		exitCode   sql.NullInt64
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	if err := row.Scan(&job.ID, &uploadID, &job.Syntheme, &job.State, &job.ErrorDetail,
		&exitCode, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	// upload_id goes NULL when the retention sweep deletes the source of a
	// settled job.
	job.UploadID = uploadID.String

	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}

	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse job created_at: %w", err)
	}
	job.CreatedAt = ts

	if startedAt.Valid {
		started, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse job started_at: %w", err)
		}
		job.StartedAt = &started
	}
	if finishedAt.Valid {
		finished, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse job finished_at: %w", err)
		}
		job.FinishedAt = &finished
	}
	return &job, nil
}
