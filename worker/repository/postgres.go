package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sceneForge/worker/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	params        JSONB,
	result        JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
)`

const taskColumns = `id, kind, status, progress, params, result, error_message, created_at, started_at, finished_at`

// PostgresRepo persists tasks in a single table. Status changes are guarded by the
// expected prior status in the WHERE clause, so concurrent writers cannot skip a state.
type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureSchema creates the tasks table when it does not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

func (r *PostgresRepo) CreateTask(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (id, kind, status, progress, params, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		task.ID,
		task.Kind,
		task.Status,
		task.Progress,
		nullJSON(task.Params),
		task.Error,
		task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTaskAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (r *PostgresRepo) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string, at time.Time) (*models.Task, error) {
	query := `
		UPDATE tasks SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1 AND status = $4
		RETURNING ` + taskColumns
	return r.guarded(ctx, id, models.StatusRunning,
		r.db.QueryRow(ctx, query, id, models.StatusRunning, at, models.StatusPending))
}

func (r *PostgresRepo) UpdateProgress(ctx context.Context, id string, progress float64) (*models.Task, error) {
	query := `
		UPDATE tasks SET progress = GREATEST(progress, $2)
		WHERE id = $1 AND status = $3
		RETURNING ` + taskColumns
	return r.guarded(ctx, id, models.StatusRunning,
		r.db.QueryRow(ctx, query, id, clampProgress(progress), models.StatusRunning))
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) (*models.Task, error) {
	query := `
		UPDATE tasks SET status = $2, progress = 100, result = $3, finished_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + taskColumns
	return r.guarded(ctx, id, models.StatusCompleted,
		r.db.QueryRow(ctx, query, id, models.StatusCompleted, nullJSON(result), at, models.StatusRunning))
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) (*models.Task, error) {
	query := `
		UPDATE tasks SET status = $2, error_message = $3, finished_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + taskColumns
	return r.guarded(ctx, id, models.StatusFailed,
		r.db.QueryRow(ctx, query, id, models.StatusFailed, errMsg, at, models.StatusRunning))
}

func (r *PostgresRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND finished_at IS NOT NULL AND finished_at < $3
	`, models.StatusCompleted, models.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// guarded scans the row returned by a conditional UPDATE. When no row matched, it
// tells a missing task apart from a refused transition.
func (r *PostgresRepo) guarded(ctx context.Context, id string, to models.TaskStatus, row pgx.Row) (*models.Task, error) {
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, getErr := r.GetTask(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &models.TransitionError{TaskID: id, From: current.Status, To: to}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		task           models.Task
		params, result []byte
	)
	err := row.Scan(
		&task.ID,
		&task.Kind,
		&task.Status,
		&task.Progress,
		&params,
		&result,
		&task.Error,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		task.Params = json.RawMessage(params)
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	return &task, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
