// Package postgres is the PostgreSQL job store, used when several server
// instances share one job table.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const pingTimeout = 5 * time.Second

const jobColumns = `access_key, channel_id, requesting_email, video_sample_size, phase, progress,
	created_at, updated_at, reason, stuck, attempts, result`

// Store implements jobs.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

var _ jobs.Store = (*Store)(nil)

// Open connects to databaseURL, verifies connectivity and applies migrations.
func Open(ctx context.Context, databaseURL string, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("jobs.database_url is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return New(db, log), nil
}

// New wraps an already-migrated connection.
func New(db *sql.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, log: log}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *Store) Create(ctx context.Context, job *jobs.AnalysisJob) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.AccessKey, job.ChannelID, job.RequestingEmail, job.VideoSampleSize, string(job.Phase), job.Progress,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), job.Reason, job.Stuck, job.Attempts, result,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.AccessKey, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*jobs.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE access_key = $1`, key)
	return scanOne(row)
}

func (s *Store) Update(ctx context.Context, job *jobs.AnalysisJob) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET phase = $1, progress = $2, updated_at = $3, reason = $4, stuck = $5, attempts = $6, result = $7
		WHERE access_key = $8`,
		string(job.Phase), job.Progress, job.UpdatedAt.UTC(), job.Reason, job.Stuck, job.Attempts, result,
		job.AccessKey,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.AccessKey, err)
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

func (s *Store) FindActive(ctx context.Context, channelID, email string) (*jobs.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE channel_id = $1 AND requesting_email = $2 AND phase NOT IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1`,
		channelID, email, string(jobs.PhaseCompleted), string(jobs.PhaseFailed),
	)
	return scanOne(row)
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*jobs.AnalysisJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, access_key`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*jobs.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE phase NOT IN ($1, $2) AND NOT stuck AND updated_at < $3
		ORDER BY created_at DESC, access_key`,
		string(jobs.PhaseCompleted), string(jobs.PhaseFailed), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return scanAll(rows)
}

// CountByPhase returns how many jobs are in each phase.
func (s *Store) CountByPhase(ctx context.Context) (map[jobs.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM jobs GROUP BY phase`)
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

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (*jobs.AnalysisJob, error) {
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

func scanJob(row scanner) (*jobs.AnalysisJob, error) {
	var (
		j      jobs.AnalysisJob
		phase  string
		result sql.NullString
	)
	if err := row.Scan(&j.AccessKey, &j.ChannelID, &j.RequestingEmail, &j.VideoSampleSize, &phase, &j.Progress,
		&j.CreatedAt, &j.UpdatedAt, &j.Reason, &j.Stuck, &j.Attempts, &result); err != nil {
		return nil, err
	}

	p, ok := jobs.ParsePhase(phase)
	if !ok {
		return nil, fmt.Errorf("job %s: unknown phase %q", j.AccessKey, phase)
	}
	j.Phase = p
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	if result.Valid && result.String != "" {
		r, err := report.Unmarshal([]byte(result.String))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.AccessKey, err)
		}
		j.Result = r
	}
	return &j, nil
}

func scanAll(rows *sql.Rows) ([]*jobs.AnalysisJob, error) {
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
