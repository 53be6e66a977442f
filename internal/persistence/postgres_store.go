package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/petrijr/taskstate/pkg/api"
)

// PostgresStore implements every store interface on top of PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// The caller provides the DSN via sql.Open("pgx", dsn).
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the interfaces.
var (
	_ TaskStore    = (*PostgresStore)(nil)
	_ ModelStore   = (*PostgresStore)(nil)
	_ ProjectStore = (*PostgresStore)(nil)
	_ EventStore   = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Persistence returns a bundle using s for every store.
func (s *PostgresStore) Persistence() Persistence {
	return Persistence{Tasks: s, Models: s, Projects: s, Events: s}
}

func (s *PostgresStore) initSchema() error {
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
			status_changed TIMESTAMPTZ,
			created TIMESTAMPTZ,
			started TIMESTAMPTZ,
			completed TIMESTAMPTZ,
			published TIMESTAMPTZ,
			last_update TIMESTAMPTZ,
			parent TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '[]'::jsonb,
			output JSONB NOT NULL DEFAULT '{}'::jsonb,
			execution JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_iteration BIGINT NOT NULL DEFAULT 0,
			last_metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
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
			ready BOOLEAN NOT NULL DEFAULT FALSE,
			created TIMESTAMPTZ,
			PRIMARY KEY (company, id)
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT NOT NULL,
			company TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created TIMESTAMPTZ,
			last_update TIMESTAMPTZ,
			PRIMARY KEY (company, id)
		);

		CREATE TABLE IF NOT EXISTS task_events (
			id BIGSERIAL PRIMARY KEY,
			company TEXT NOT NULL,
			task_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
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

const postgresTaskColumns = `id, company, user_id, name, type, comment, status, status_reason, status_message,
	status_changed, created, started, completed, published, last_update, parent, project, tags::text,
	output::text, execution::text, last_iteration, last_metrics::text`

func pgTime(t time.Time) any {
	return postgresDialect.timeArg(t)
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *api.Task) error {
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
		INSERT INTO tasks (id, company, user_id, name, type, comment, status, status_reason, status_message,
			status_changed, created, started, completed, published, last_update, parent, project, tags,
			output, execution, last_iteration, last_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18::jsonb, $19::jsonb, $20::jsonb, $21, $22::jsonb)`,
		t.ID, t.Company, t.User, t.Name, string(t.Type), t.Comment,
		string(t.Status), t.StatusReason, t.StatusMessage,
		pgTime(t.StatusChanged), pgTime(t.Created), pgTime(t.Started),
		pgTime(t.Completed), pgTime(t.Published), pgTime(t.LastUpdate),
		t.Parent, t.Project, tags, output, execution, t.LastIteration, metrics,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanPostgresTask(row interface{ Scan(...any) error }) (*api.Task, error) {
	var (
		t                                api.Task
		typ, status                      string
		statusChanged, created, started  sql.NullTime
		completed, published, lastUpdate sql.NullTime
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
	t.StatusChanged = fromNullTime(statusChanged)
	t.Created = fromNullTime(created)
	t.Started = fromNullTime(started)
	t.Completed = fromNullTime(completed)
	t.Published = fromNullTime(published)
	t.LastUpdate = fromNullTime(lastUpdate)
	if err := decodeTaskDocuments(&t, tags, output, execution, metrics); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresTaskColumns+` FROM tasks WHERE id = $1 AND company = $2`, id, company)
	t, err := scanPostgresTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	query, args := listTasksQuery(postgresDialect, postgresTaskColumns, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	q, args, err := updateStatement(postgresDialect, company, id, nil, upd)
	if err != nil {
		return err
	}
	return execUpdate(ctx, s.db, q, args, ErrTaskNotFound)
}

func (s *PostgresStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	q, args, err := updateStatement(postgresDialect, company, id, &expected, upd)
	if err != nil {
		return err
	}
	return execUpdate(ctx, s.db, q, args, ErrStatusConflict)
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *api.Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, company, name, uri, task, ready, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company, id) DO UPDATE SET
			name = EXCLUDED.name, uri = EXCLUDED.uri,
			task = EXCLUDED.task, ready = EXCLUDED.ready, created = EXCLUDED.created`,
		m.ID, m.Company, m.Name, m.URI, m.Task, m.Ready, pgTime(m.Created),
	)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	var (
		m       api.Model
		created sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company, name, uri, task, ready, created
		FROM models WHERE id = $1 AND company = $2`, id, company,
	).Scan(&m.ID, &m.Company, &m.Name, &m.URI, &m.Task, &m.Ready, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	m.Created = fromNullTime(created)
	return &m, nil
}

func (s *PostgresStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET ready = TRUE WHERE id = $1 AND company = $2 AND NOT ready`, id, company)
	if err != nil {
		return false, fmt.Errorf("set model ready: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetModel(ctx, company, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *api.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, company, name, created, last_update)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (company, id) DO UPDATE SET
			name = EXCLUDED.name,
			created = EXCLUDED.created, last_update = EXCLUDED.last_update`,
		p.ID, p.Company, p.Name, pgTime(p.Created), pgTime(p.LastUpdate),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	var (
		p                   api.Project
		created, lastUpdate sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company, name, created, last_update
		FROM projects WHERE id = $1 AND company = $2`, id, company,
	).Scan(&p.ID, &p.Company, &p.Name, &created, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Created = fromNullTime(created)
	p.LastUpdate = fromNullTime(lastUpdate)
	return &p, nil
}

func (s *PostgresStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_update = $1 WHERE id = $2 AND company = $3`, pgTime(at), id, company)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (company, task_id, at, type, from_status, to_status, reason, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.Company, ev.TaskID, at.UTC(), string(ev.Type),
		string(ev.From), string(ev.To), ev.Reason, ev.Message, ev.Detail,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company, task_id, at, type, from_status, to_status, reason, message, detail
		FROM task_events
		WHERE company = $1 AND task_id = $2
		ORDER BY id ASC`, company, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows, func(v any) time.Time {
		t, _ := v.(time.Time)
		return t.UTC()
	})
}
