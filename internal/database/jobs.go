package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

// Fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `access_key, channel_id, requesting_email, video_sample_size, phase, progress,
	created_at, updated_at, reason, stuck, attempts, result`

var _ jobs.Store = (*DB)(nil)

// Create inserts a new job.
func (db *DB) Create(ctx context.Context, job *jobs.AnalysisJob) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.AccessKey, job.ChannelID, job.RequestingEmail, job.VideoSampleSize, string(job.Phase), job.Progress,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), job.Reason, job.Stuck, job.Attempts, result,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.AccessKey, err)
	}
	return nil
}

// Get returns the job with the given access key.
func (db *DB) Get(ctx context.Context, key string) (*jobs.AnalysisJob, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE access_key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

// Update overwrites every mutable column of a job.
func (db *DB) Update(ctx context.Context, job *jobs.AnalysisJob) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE jobs SET phase = ?, progress = ?, updated_at = ?, reason = ?, stuck = ?, attempts = ?, result = ?
		WHERE access_key = ?`,
		string(job.Phase), job.Progress, formatTime(job.UpdatedAt), job.Reason, job.Stuck, job.Attempts, result,
		job.AccessKey,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.AccessKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// FindActive returns the newest non-terminal job for a channel and email.
func (db *DB) FindActive(ctx context.Context, channelID, email string) (*jobs.AnalysisJob, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE channel_id = ? AND requesting_email = ? AND phase NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		channelID, email, string(jobs.PhaseCompleted), string(jobs.PhaseFailed),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (db *DB) List(ctx context.Context, limit int) ([]*jobs.AnalysisJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, access_key LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListStale returns non-terminal, non-stuck jobs last updated before cutoff.
func (db *DB) ListStale(ctx context.Context, cutoff time.Time) ([]*jobs.AnalysisJob, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE phase NOT IN (?, ?) AND stuck = 0 AND updated_at < ?
		ORDER BY created_at DESC, access_key`,
		string(jobs.PhaseCompleted), string(jobs.PhaseFailed), formatTime(cutoff),
	)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// CountByPhase returns how many jobs are in each phase.
func (db *DB) CountByPhase(ctx context.Context) (map[jobs.Phase]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT phase, COUNT(*) FROM jobs GROUP BY phase")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[jobs.Phase]int)
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		counts[jobs.Phase(phase)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*jobs.AnalysisJob, error) {
	var (
		j                jobs.AnalysisJob
		phase            string
		created, updated string
		result           sql.NullString
	)
	if err := row.Scan(&j.AccessKey, &j.ChannelID, &j.RequestingEmail, &j.VideoSampleSize, &phase, &j.Progress,
		&created, &updated, &j.Reason, &j.Stuck, &j.Attempts, &result); err != nil {
		return nil, err
	}

	p, ok := jobs.ParsePhase(phase)
	if !ok {
		return nil, fmt.Errorf("job %s: unknown phase %q", j.AccessKey, phase)
	}
	j.Phase = p

	var err error
	if j.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("job %s: parsing created_at: %w", j.AccessKey, err)
	}
	if j.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("job %s: parsing updated_at: %w", j.AccessKey, err)
	}

	if result.Valid && result.String != "" {
		if j.Result, err = report.Unmarshal([]byte(result.String)); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.AccessKey, err)
		}
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*jobs.AnalysisJob, error) {
	defer rows.Close()
	var out []*jobs.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func encodeResult(r *report.Report) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := r.Marshal()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
