package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/repo"
)

const insertColumns = `task_id, job_id, deployment, state, outcome, image, executor_kind, executor_ref,
	ceiling, contract, log_group, log_stream, reason, exit_code,
	created_at, updated_at, started_at, finished_at, reclaimed_at, notified_at`

const taskColumns = insertColumns + `, log_lines_shipped, logs_shipped_at`

const (
	insertTaskQuery = `INSERT INTO task_instances (` + insertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	selectTaskQuery = `SELECT ` + taskColumns + ` FROM task_instances WHERE task_id = $1`

	listTasksByJobQuery = `SELECT ` + taskColumns + ` FROM task_instances
	WHERE job_id = $1 ORDER BY created_at ASC, task_id ASC`

	listUnreclaimedBase = `SELECT ` + taskColumns + ` FROM task_instances WHERE state <> 'RECLAIMED'`

	transitionTaskQuery = `UPDATE task_instances SET
		state = $3::text,
		updated_at = $4,
		executor_ref = COALESCE(NULLIF($5, ''), executor_ref),
		reason = COALESCE(NULLIF($6, ''), reason),
		exit_code = COALESCE($7::integer, exit_code),
		started_at = COALESCE(started_at, $8::timestamptz),
		outcome = CASE WHEN $3::text IN ('SUCCEEDED', 'FAILED') THEN $3::text ELSE outcome END,
		finished_at = CASE WHEN $3::text IN ('SUCCEEDED', 'FAILED') THEN COALESCE($9::timestamptz, $4) ELSE finished_at END,
		reclaimed_at = CASE WHEN $3::text = 'RECLAIMED' THEN $4 ELSE reclaimed_at END
	WHERE task_id = $1 AND state = $2
	RETURNING ` + taskColumns

	markNotifiedQuery = `UPDATE task_instances SET notified_at = $2
	WHERE task_id = $1 AND notified_at IS NULL`
)

type TaskStore struct {
	db DB
}

func NewTaskStore(db DB) *TaskStore {
	if db == nil {
		return nil
	}
	return &TaskStore{db: db}
}

func (s *TaskStore) Create(ctx context.Context, task domain.TaskInstance) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	ceilingJSON, err := json.Marshal(task.Ceiling)
	if err != nil {
		return fmt.Errorf("encode ceiling: %w", err)
	}
	contract := task.Contract
	if contract == nil {
		contract = map[string]string{}
	}
	contractJSON, err := json.Marshal(contract)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	created := task.CreatedAt.UTC()
	if task.CreatedAt.IsZero() {
		created = time.Now().UTC()
	}
	updated := task.UpdatedAt.UTC()
	if task.UpdatedAt.IsZero() {
		updated = created
	}
	_, err = s.db.ExecContext(ctx, insertTaskQuery,
		strings.TrimSpace(task.ID),
		strings.TrimSpace(task.JobID),
		strings.TrimSpace(task.Deployment),
		string(task.State),
		string(task.Outcome),
		strings.TrimSpace(task.Image),
		task.ExecutorKind,
		task.ExecutorRef,
		ceilingJSON,
		contractJSON,
		task.LogGroup,
		task.LogStream,
		task.Reason,
		nullInt(task.ExitCode),
		created,
		updated,
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
		nullTime(task.ReclaimedAt),
		nullTime(task.NotifiedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.TaskInstance, error) {
	if s == nil || s.db == nil {
		return domain.TaskInstance{}, fmt.Errorf("task store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TaskInstance{}, fmt.Errorf("task id is required")
	}
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTaskQuery, id))
	if err != nil {
		return domain.TaskInstance{}, handleNotFound(err)
	}
	return task, nil
}

func (s *TaskStore) ListByJob(ctx context.Context, jobID string) ([]domain.TaskInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	return s.query(ctx, "list tasks by job", listTasksByJobQuery, jobID)
}

func (s *TaskStore) ListUnreclaimed(ctx context.Context, filter repo.TaskFilter) ([]domain.TaskInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	query := listUnreclaimedBase
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Deployment) != "" {
		args = append(args, strings.TrimSpace(filter.Deployment))
		query += fmt.Sprintf(" AND deployment = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, "list unreclaimed tasks", query, args...)
}

func (s *TaskStore) Transition(ctx context.Context, id string, from, to domain.TaskState, update repo.TaskUpdate) (domain.TaskInstance, error) {
	if s == nil || s.db == nil {
		return domain.TaskInstance{}, fmt.Errorf("task store not initialized")
	}
	if err := domain.ValidateTaskTransition(from, to); err != nil {
		return domain.TaskInstance{}, err
	}
	at := update.At.UTC()
	if update.At.IsZero() {
		at = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, transitionTaskQuery,
		id,
		string(from),
		string(to),
		at,
		update.ExecutorRef,
		update.Reason,
		nullInt(update.ExitCode),
		nullTime(update.StartedAt),
		nullTime(update.FinishedAt),
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.TaskInstance{}, fmt.Errorf("transition task: %w", err)
	}
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.TaskInstance{}, getErr
	}
	return domain.TaskInstance{}, fmt.Errorf("%w: task %s is %s, expected %s", repo.ErrStaleState, id, current.State, from)
}

func (s *TaskStore) MarkNotified(ctx context.Context, id string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("task store not initialized")
	}
	res, err := s.db.ExecContext(ctx, markNotifiedQuery, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *TaskStore) RecordLogProgress(ctx context.Context, id string, lines int, complete *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}
	res, err := s.db.ExecContext(ctx, recordLogProgressQuery, id, lines, nullTime(complete))
	if err != nil {
		return fmt.Errorf("record log progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record log progress: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *TaskStore) query(ctx context.Context, op, query string, args ...any) ([]domain.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	tasks := make([]domain.TaskInstance, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (domain.TaskInstance, error) {
	var task domain.TaskInstance
	var state, outcome string
	var ceilingJSON, contractJSON []byte
	var exitCode sql.NullInt64
	var startedAt, finishedAt, reclaimedAt, notifiedAt, logsShippedAt sql.NullTime
	if err := row.Scan(
		&task.ID, &task.JobID, &task.Deployment, &state, &outcome, &task.Image, &task.ExecutorKind, &task.ExecutorRef,
		&ceilingJSON, &contractJSON, &task.LogGroup, &task.LogStream, &task.Reason, &exitCode,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &finishedAt, &reclaimedAt, &notifiedAt,
		&task.LogLinesShipped, &logsShippedAt,
	); err != nil {
		return domain.TaskInstance{}, err
	}
	task.State = domain.TaskState(state)
	task.Outcome = domain.TaskState(outcome)
	if len(ceilingJSON) > 0 {
		if err := json.Unmarshal(ceilingJSON, &task.Ceiling); err != nil {
			return domain.TaskInstance{}, fmt.Errorf("decode ceiling: %w", err)
		}
	}
	task.Contract = map[string]string{}
	if len(contractJSON) > 0 {
		if err := json.Unmarshal(contractJSON, &task.Contract); err != nil {
			return domain.TaskInstance{}, fmt.Errorf("decode contract: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	task.StartedAt = timeOrNil(startedAt)
	task.FinishedAt = timeOrNil(finishedAt)
	task.ReclaimedAt = timeOrNil(reclaimedAt)
	task.NotifiedAt = timeOrNil(notifiedAt)
	task.LogsShippedAt = timeOrNil(logsShippedAt)
	return task, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil || v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func timeOrNil(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
