package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at dbPath and applies pending
// migrations. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// Applied per pooled connection, unlike the PRAGMAs below.
		dsn = "file:" + dbPath + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout must come first so the rest wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(ctx, db, pragma, 5, 10*time.Millisecond); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, dbPath: dbPath, now: time.Now}, nil
}

// execWithRetry retries "database is locked" failures with exponential backoff.
func execWithRetry(ctx context.Context, db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.ExecContext(ctx, stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetTask implements Tasks.
func (s *SQLite) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var t workflow.Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, list_description, creator_id, completed FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &t.Description, &t.ListDescription, &t.CreatorID, &t.Completed)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// PutTask implements Tasks.
func (s *SQLite) PutTask(ctx context.Context, t *workflow.Task) error {
	if t.ID == "" {
		return errors.NewValidationError("task id is required").WithField("id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, title, description, list_description, creator_id, completed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description,
			list_description = excluded.list_description, creator_id = excluded.creator_id,
			completed = excluded.completed`,
		t.ID, t.Title, t.Description, t.ListDescription, t.CreatorID, t.Completed)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// MarkTaskCompleted implements Tasks.
func (s *SQLite) MarkTaskCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return requireRow(res, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound))
}

// ListComments implements Comments.
func (s *SQLite) ListComments(ctx context.Context, taskID string) ([]workflow.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, author_id, content, created_at FROM comments WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []workflow.Comment
	for rows.Next() {
		var c workflow.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// AddComment implements Comments.
func (s *SQLite) AddComment(ctx context.Context, c *workflow.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, task_id, author_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AuthorID, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return nil
}

// CreateWorkflow implements Workflows. The UNIQUE(task_id) constraint turns
// concurrent duplicate creates into ErrWorkflowExists.
func (s *SQLite) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	meta, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO workflows
		(id, task_id, status, ai_service, deployment_url, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TaskID, string(wf.Status), wf.AIService, wf.DeploymentURL, string(meta), wf.CreatedAt, wf.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewAlreadyExistsError("workflow", wf.TaskID).WithCause(errors.ErrWorkflowExists)
	}
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const workflowColumns = `id, task_id, status, ai_service, deployment_url, metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*workflow.Workflow, error) {
	var (
		wf     workflow.Workflow
		status string
		meta   string
	)
	if err := row.Scan(&wf.ID, &wf.TaskID, &status, &wf.AIService, &wf.DeploymentURL, &meta, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = workflow.Status(status)
	if err := json.Unmarshal([]byte(meta), &wf.Metadata); err != nil {
		return nil, errors.NewValidationError("stored workflow metadata is not valid JSON").
			WithField("metadata").
			WithCause(err)
	}
	return &wf, nil
}

// GetWorkflowByTask implements Workflows.
func (s *SQLite) GetWorkflowByTask(ctx context.Context, taskID string) (*workflow.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("workflow", taskID).WithCause(errors.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow implements Workflows.
func (s *SQLite) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	meta, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	wf.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `UPDATE workflows
		SET status = ?, ai_service = ?, deployment_url = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		string(wf.Status), wf.AIService, wf.DeploymentURL, string(meta), wf.UpdatedAt, wf.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return requireRow(res, errors.NewNotFoundError("workflow", wf.ID).WithCause(errors.ErrWorkflowNotFound))
}

// ListWorkflows implements Workflows.
func (s *SQLite) ListWorkflows(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// WebhookSecret implements Secrets.
func (s *SQLite) WebhookSecret(ctx context.Context, userID string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM webhook_secrets WHERE user_id = ?`, userID).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get webhook secret: %w", err)
	}
	return secret, nil
}

// SetWebhookSecret implements Secrets. An empty secret removes the entry.
func (s *SQLite) SetWebhookSecret(ctx context.Context, userID, secret string) error {
	var err error
	if secret == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM webhook_secrets WHERE user_id = ?`, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `INSERT INTO webhook_secrets (user_id, secret, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
			userID, secret, s.now().UTC())
	}
	if err != nil {
		return fmt.Errorf("set webhook secret: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
