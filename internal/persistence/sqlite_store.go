package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/taskstate/pkg/api"
)

// SQLiteStore implements every store interface on top of SQLite.
//
// It expects an *sql.DB that uses a SQLite driver with the JSON functions
// available (for example, "modernc.org/sqlite"). The caller is responsible
// for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ TaskStore    = (*SQLiteStore)(nil)
	_ ModelStore   = (*SQLiteStore)(nil)
	_ ProjectStore = (*SQLiteStore)(nil)
	_ EventStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle using s for every store.
func (s *SQLiteStore) Persistence() Persistence {
	return Persistence{Tasks: s, Models: s, Projects: s, Events: s}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			company TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			status_message TEXT NOT NULL DEFAULT '',
			status_changed INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			started INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			published INTEGER NOT NULL DEFAULT 0,
			last_update INTEGER NOT NULL DEFAULT 0,
			parent TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			output TEXT NOT NULL DEFAULT '{}',
			execution TEXT NOT NULL DEFAULT '{}',
			last_iteration INTEGER NOT NULL DEFAULT 0,
			last_metrics TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (company, id)
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_company_status ON tasks(company, status);
		CREATE INDEX IF NOT EXISTS idx_tasks_company_project ON tasks(company, project);

		CREATE TABLE IF NOT EXISTS models (
			id TEXT NOT NULL,
			company TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL DEFAULT '',
			task TEXT NOT NULL DEFAULT '',
			ready INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (company, id)
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT NOT NULL,
			company TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL DEFAULT 0,
			last_update INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (company, id)
		);

		CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company TEXT NOT NULL,
			task_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(company, task_id, id);
	`)
	return err
}

const sqliteTaskColumns = `id, company, user_id, name, type, comment, status, status_reason, status_message,
	status_changed, created, started, completed, published, last_update, parent, project, tags,
	output, execution, last_iteration, last_metrics`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *api.Task) error {
	tags, err := encodeJSON(t.Tags)
	if err != nil {
		return err
	}
	output, err := encodeJSON(t.Output)
	if err != nil {
		return err
	}
	execution, err := encodeJSON(t.Execution)
	if err != nil {
		return err
	}
	metrics, err := encodeJSON(t.LastMetrics)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+sqliteTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Company, t.User, t.Name, string(t.Type), t.Comment,
		string(t.Status), t.StatusReason, t.StatusMessage,
		unixNanos(t.StatusChanged), unixNanos(t.Created), unixNanos(t.Started),
		unixNanos(t.Completed), unixNanos(t.Published), unixNanos(t.LastUpdate),
		t.Parent, t.Project, tags, output, execution, t.LastIteration, metrics,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanSQLiteTask(row interface{ Scan(...any) error }) (*api.Task, error) {
	var (
		t                                api.Task
		typ, status                      string
		statusChanged, created, started  int64
		completed, published, lastUpdate int64
		tags, output, execution, metrics []byte
	)
	if err := row.Scan(
		&t.ID, &t.Company, &t.User, &t.Name, &typ, &t.Comment,
		&status, &t.StatusReason, &t.StatusMessage,
		&statusChanged, &created, &started, &completed, &published, &lastUpdate,
		&t.Parent, &t.Project, &tags, &output, &execution, &t.LastIteration, &metrics,
	); err != nil {
		return nil, err
	}
	t.Type = api.TaskType(typ)
	t.Status = api.Status(status)
	t.StatusChanged = fromUnixNanos(statusChanged)
	t.Created = fromUnixNanos(created)
	t.Started = fromUnixNanos(started)
	t.Completed = fromUnixNanos(completed)
	t.Published = fromUnixNanos(published)
	t.LastUpdate = fromUnixNanos(lastUpdate)
	if err := decodeTaskDocuments(&t, tags, output, execution, metrics); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeTaskDocuments(t *api.Task, tags, output, execution, metrics []byte) error {
	if err := decodeJSON(tags, &t.Tags); err != nil {
		return err
	}
	if err := decodeJSON(output, &t.Output); err != nil {
		return err
	}
	if err := decodeJSON(execution, &t.Execution); err != nil {
		return err
	}
	if err := decodeJSON(metrics, &t.LastMetrics); err != nil {
		return err
	}
	if len(t.LastMetrics) == 0 {
		t.LastMetrics = nil
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ? AND company = ?`, id, company)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	query, args := listTasksQuery(sqliteDialect, sqliteTaskColumns, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// listTasksQuery renders a SELECT for filter in dialect d.
func listTasksQuery(d sqlDialect, columns string, filter TaskFilter) (string, []any) {
	b := &sqlBuilder{d: d}
	where := []string{"company = " + b.bind(filter.Company)}
	if len(filter.IDs) > 0 {
		ph := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			ph[i] = b.bind(id)
		}
		where = append(where, "id IN ("+strings.Join(ph, ", ")+")")
	}
	if len(filter.Projects) > 0 {
		ph := make([]string, len(filter.Projects))
		for i, p := range filter.Projects {
			ph[i] = b.bind(p)
		}
		where = append(where, "project IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.Status != "" {
		where = append(where, "status = "+b.bind(string(filter.Status)))
	}
	q := "SELECT " + columns + " FROM tasks WHERE " + strings.Join(where, " AND ") + " ORDER BY created ASC, id ASC"
	return q, b.args
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	q, args, err := updateStatement(sqliteDialect, company, id, nil, upd)
	if err != nil {
		return err
	}
	return execUpdate(ctx, s.db, q, args, ErrTaskNotFound)
}

func (s *SQLiteStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	q, args, err := updateStatement(sqliteDialect, company, id, &expected, upd)
	if err != nil {
		return err
	}
	return execUpdate(ctx, s.db, q, args, ErrStatusConflict)
}

// execUpdate runs an UPDATE and maps zero affected rows to noMatch.
func execUpdate(ctx context.Context, db *sql.DB, q string, args []any, noMatch error) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return noMatch
	}
	return nil
}
