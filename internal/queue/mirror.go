package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// ErrJobNotFound means no durable record exists for the id.
var ErrJobNotFound = errors.New("job not found")

const jobsSchema = `
CREATE TABLE IF NOT EXISTS training_jobs (
	id                TEXT PRIMARY KEY,
	rq_job_id         TEXT NOT NULL,
	status            TEXT NOT NULL,
	progress          REAL NOT NULL DEFAULT 0,
	strategy          TEXT NOT NULL,
	exchange          TEXT NOT NULL,
	pair              TEXT NOT NULL,
	timeframe         TEXT NOT NULL,
	regime            TEXT NOT NULL,
	optimizer_kind    TEXT NOT NULL,
	iteration_budget  INTEGER NOT NULL,
	current_iteration INTEGER NOT NULL DEFAULT 0,
	total_iterations  INTEGER NOT NULL DEFAULT 0,
	current_stage     TEXT NOT NULL DEFAULT '',
	best_score        REAL,
	error_message     TEXT,
	config_id         TEXT,
	submitted_at      TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);`

// Mirror is the durable side of the queue. The broker owns in-flight truth;
// the mirror owns history, so the UI survives restarts. Columns split by
// writer: the submitter creates rows, the claiming worker owns lifecycle
// columns, the progress writer owns progress columns. No two writers share
// a column.
type Mirror struct {
	logger *zap.Logger
	db     *sqlx.DB
}

// NewMirror opens (and bootstraps) the durable job store.
func NewMirror(logger *zap.Logger, db *sqlx.DB) (*Mirror, error) {
	if _, err := db.Exec(jobsSchema); err != nil {
		return nil, fmt.Errorf("bootstrapping training_jobs schema: %w", err)
	}
	return &Mirror{logger: logger, db: db}, nil
}

// InsertPending writes the submission row.
func (m *Mirror) InsertPending(ctx context.Context, id string, spec types.TrainingSpec, submittedAt time.Time) error {
	const q = `INSERT INTO training_jobs (
	id, rq_job_id, status, progress, strategy, exchange, pair, timeframe, regime,
	optimizer_kind, iteration_budget, submitted_at
) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := m.db.ExecContext(ctx, q,
		id, id, string(types.JobPending),
		spec.Strategy, spec.Exchange, spec.Pair, string(spec.Timeframe), string(spec.Regime),
		string(spec.Optimizer), spec.IterationBudget,
		submittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting pending job: %w", err)
	}
	return nil
}

// MarkRunning transitions PENDING -> RUNNING.
func (m *Mirror) MarkRunning(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE training_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`
	res, err := m.db.ExecContext(ctx, q,
		string(types.JobRunning), at.UTC().Format(time.RFC3339Nano), id, string(types.JobPending))
	if err != nil {
		return fmt.Errorf("marking job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: illegal transition to RUNNING", id)
	}
	return nil
}

// MarkTerminal transitions to a terminal status, guarding the DAG in SQL:
// only PENDING may go CANCELLED, only RUNNING may go
// COMPLETED/FAILED/CANCELLED.
func (m *Mirror) MarkTerminal(ctx context.Context, id string, status types.JobStatus, errorMessage, configID *string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("job %s: %s is not terminal", id, status)
	}
	allowed := []any{string(types.JobRunning)}
	if status == types.JobCancelled {
		allowed = append(allowed, string(types.JobPending))
	}

	q := `UPDATE training_jobs SET status = ?, error_message = ?, config_id = ?, completed_at = ?
WHERE id = ? AND status IN (?` + repeat(", ?", len(allowed)-1) + `)`
	args := append([]any{string(status), errorMessage, configID, at.UTC().Format(time.RFC3339Nano), id}, allowed...)

	res, err := m.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("marking job terminal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: illegal transition to %s", id, status)
	}
	return nil
}

// UpdateProgress mirrors the broker's progress meta. Progress is clamped
// monotonic in SQL so a late throttled write can never move it backwards.
func (m *Mirror) UpdateProgress(ctx context.Context, id string, progress float64, currentIter, totalIters int, stage string, best *float64) error {
	const q = `UPDATE training_jobs SET
	progress = MAX(progress, ?),
	current_iteration = MAX(current_iteration, ?),
	total_iterations = ?,
	current_stage = ?,
	best_score = COALESCE(?, best_score)
WHERE id = ?`
	if _, err := m.db.ExecContext(ctx, q, progress, currentIter, totalIters, stage, best, id); err != nil {
		return fmt.Errorf("mirroring progress: %w", err)
	}
	return nil
}

type jobRow struct {
	ID              string   `db:"id"`
	RQJobID         string   `db:"rq_job_id"`
	Status          string   `db:"status"`
	Progress        float64  `db:"progress"`
	Strategy        string   `db:"strategy"`
	Exchange        string   `db:"exchange"`
	Pair            string   `db:"pair"`
	Timeframe       string   `db:"timeframe"`
	Regime          string   `db:"regime"`
	OptimizerKind   string   `db:"optimizer_kind"`
	IterationBudget int      `db:"iteration_budget"`
	CurrentIter     int      `db:"current_iteration"`
	TotalIters      int      `db:"total_iterations"`
	CurrentStage    string   `db:"current_stage"`
	BestScore       *float64 `db:"best_score"`
	ErrorMessage    *string  `db:"error_message"`
	ConfigID        *string  `db:"config_id"`
	SubmittedAt     string   `db:"submitted_at"`
	StartedAt       *string  `db:"started_at"`
	CompletedAt     *string  `db:"completed_at"`
}

// Get reads the durable job record.
func (m *Mirror) Get(ctx context.Context, id string) (*types.Job, error) {
	var row jobRow
	const q = `SELECT * FROM training_jobs WHERE id = ?`
	if err := m.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("reading job: %w", err)
	}
	return row.toJob(), nil
}

// List returns recent jobs, newest first.
func (m *Mirror) List(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	const q = `SELECT * FROM training_jobs ORDER BY submitted_at DESC LIMIT ?`
	if err := m.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]types.Job, len(rows))
	for i, r := range rows {
		out[i] = *r.toJob()
	}
	return out, nil
}

// SweepOrphans moves RUNNING rows with no live worker claim to FAILED.
// Called once at worker startup, before any claims exist, so every RUNNING
// row is by definition orphaned. There is no automatic retry; the operator
// re-submits.
func (m *Mirror) SweepOrphans(ctx context.Context, at time.Time) (int64, error) {
	const q = `UPDATE training_jobs SET status = ?, error_message = 'worker_crashed', completed_at = ?
WHERE status = ?`
	res, err := m.db.ExecContext(ctx, q,
		string(types.JobFailed), at.UTC().Format(time.RFC3339Nano), string(types.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("sweeping orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Warn("moved orphaned running jobs to FAILED", zap.Int64("count", n))
	}
	return n, nil
}

func (r *jobRow) toJob() *types.Job {
	job := &types.Job{
		ID:              r.ID,
		Status:          types.JobStatus(r.Status),
		Strategy:        r.Strategy,
		Exchange:        r.Exchange,
		Pair:            r.Pair,
		Timeframe:       types.Timeframe(r.Timeframe),
		Regime:          types.Regime(r.Regime),
		OptimizerKind:   types.OptimizerKind(r.OptimizerKind),
		IterationBudget: r.IterationBudget,
		Progress:        r.Progress,
		CurrentIter:     r.CurrentIter,
		TotalIters:      r.TotalIters,
		CurrentStage:    r.CurrentStage,
		BestScore:       r.BestScore,
		ErrorMessage:    r.ErrorMessage,
		ConfigID:        r.ConfigID,
	}
	job.SubmittedAt, _ = time.Parse(time.RFC3339Nano, r.SubmittedAt)
	if r.StartedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *r.StartedAt)
		job.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *r.CompletedAt)
		job.CompletedAt = &t
	}
	return job
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
