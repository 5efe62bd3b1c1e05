package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talonhq/talon/internal/daemon"
)

// Session is one stored agent session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Todo is one todo item belonging to a session.
type Todo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSession inserts a new session and returns its ID.
func (s *Store) CreateSession(ctx context.Context, title, workerID string) (string, error) {
	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.execWrite(ctx,
		`INSERT INTO sessions (id, title, worker_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, workerID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// AddTodo appends a todo item to a session.
func (s *Store) AddTodo(ctx context.Context, sessionID, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.execWrite(ctx,
		`INSERT INTO todos (id, session_id, content, completed, created_at) VALUES (?, ?, ?, 0, ?)`,
		id, sessionID, content, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("insert todo: %w", err)
	}
	return id, nil
}

// CompleteTodo marks a todo as done.
func (s *Store) CompleteTodo(ctx context.Context, todoID string) error {
	res, err := s.execWrite(ctx, `UPDATE todos SET completed = 1 WHERE id = ?`, todoID)
	if err != nil {
		return fmt.Errorf("complete todo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("todo %s not found", todoID)
	}
	return nil
}

// Sessions returns all stored sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, worker_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, updated string
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.WorkerID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Todos returns the todo items of one session, oldest first.
func (s *Store) Todos(ctx context.Context, sessionID string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, completed, created_at FROM todos WHERE session_id = ? ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	var todos []Todo
	for rows.Next() {
		var todo Todo
		var completed int
		var created string
		if err := rows.Scan(&todo.ID, &todo.SessionID, &todo.Content, &completed, &created); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todo.Completed = completed != 0
		todo.CreatedAt = parseTime(created)
		todos = append(todos, todo)
	}
	return todos, rows.Err()
}

// CountSessionsWithIncompleteTodos returns how many sessions carry at
// least one unfinished todo.
func (s *Store) CountSessionsWithIncompleteTodos(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT session_id) FROM todos WHERE completed = 0`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count incomplete sessions: %w", err)
	}
	return count, nil
}

// PurgeSessionsBefore deletes sessions (and, via cascade, their todos)
// last updated before the cutoff. Returns the number of sessions removed.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWrite(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessions adapts Sessions to the daemon's SessionStore interface.
func (s *Store) ListSessions(ctx context.Context) ([]daemon.SessionRef, error) {
	sessions, err := s.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]daemon.SessionRef, 0, len(sessions))
	for _, sess := range sessions {
		refs = append(refs, daemon.SessionRef{ID: sess.ID})
	}
	return refs, nil
}

// TodosForSession adapts Todos to the daemon's SessionStore interface.
func (s *Store) TodosForSession(ctx context.Context, sessionID string) ([]daemon.TodoRef, error) {
	todos, err := s.Todos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	refs := make([]daemon.TodoRef, 0, len(todos))
	for _, todo := range todos {
		refs = append(refs, daemon.TodoRef{ID: todo.ID, Completed: todo.Completed})
	}
	return refs, nil
}
