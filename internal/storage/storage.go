package storage

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"geminipool/internal/registry"
	"geminipool/internal/scheduler"

	_ "github.com/mattn/go-sqlite3"
)

// Storage persists accounts and finished task history in sqlite.
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		expires_at DATETIME,
		error_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		disabled INTEGER DEFAULT 0,
		conversation_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		last_failure_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_created ON task_history(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// UpsertAccount writes the full account row, inserting or replacing.
func (s *Storage) UpsertAccount(a registry.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, expires_at, error_count, failure_count, disabled,
		                      conversation_count, created_at, last_used_at, last_failure_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expires_at = excluded.expires_at,
			error_count = excluded.error_count,
			failure_count = excluded.failure_count,
			disabled = excluded.disabled,
			conversation_count = excluded.conversation_count,
			last_used_at = excluded.last_used_at,
			last_failure_at = excluded.last_failure_at
	`, a.ID, nullTime(a.ExpiresAt), a.ErrorCount, a.FailureCount, boolToInt(a.Disabled),
		a.ConversationCount, a.CreatedAt, nullTime(a.LastUsedAt), nullTime(a.LastFailureAt))
	return err
}

// DeleteAccount removes one account row.
func (s *Storage) DeleteAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// ListAccounts loads every stored account, used to seed the registry at
// startup.
func (s *Storage) ListAccounts() ([]registry.Account, error) {
	rows, err := s.db.Query(`
		SELECT id, expires_at, error_count, failure_count, disabled,
		       conversation_count, created_at, last_used_at, last_failure_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []registry.Account
	for rows.Next() {
		var a registry.Account
		var expiresAt, lastUsedAt, lastFailureAt sql.NullTime
		var disabled int

		err := rows.Scan(
			&a.ID, &expiresAt, &a.ErrorCount, &a.FailureCount, &disabled,
			&a.ConversationCount, &a.CreatedAt, &lastUsedAt, &lastFailureAt,
		)
		if err != nil {
			return nil, err
		}

		a.Disabled = disabled != 0
		if expiresAt.Valid {
			a.ExpiresAt = expiresAt.Time
		}
		if lastUsedAt.Valid {
			a.LastUsedAt = lastUsedAt.Time
		}
		if lastFailureAt.Valid {
			a.LastFailureAt = lastFailureAt.Time
		}

		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SaveTask stores a terminal task snapshot as a JSON row.
func (s *Storage) SaveTask(t scheduler.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO task_history (id, kind, status, payload, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, string(t.Kind), string(t.Status), string(payload), t.CreatedAt, taskFinished(t))
	return err
}

// RecentTasks returns up to limit stored tasks, newest first.
func (s *Storage) RecentTasks(limit int) ([]scheduler.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT payload FROM task_history ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t scheduler.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func taskFinished(t scheduler.Task) sql.NullTime {
	if t.FinishedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t.FinishedAt, Valid: true}
}
