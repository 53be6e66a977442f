package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

func (s *SQLiteStore) CreateModel(ctx context.Context, m *api.Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, company, name, uri, task, ready, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company, id) DO UPDATE SET
			name = excluded.name, uri = excluded.uri,
			task = excluded.task, ready = excluded.ready, created = excluded.created`,
		m.ID, m.Company, m.Name, m.URI, m.Task, m.Ready, unixNanos(m.Created),
	)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	var (
		m       api.Model
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company, name, uri, task, ready, created
		FROM models WHERE id = ? AND company = ?`, id, company,
	).Scan(&m.ID, &m.Company, &m.Name, &m.URI, &m.Task, &m.Ready, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	m.Created = fromUnixNanos(created)
	return &m, nil
}

func (s *SQLiteStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET ready = 1 WHERE id = ? AND company = ? AND ready = 0`, id, company)
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
	// Nothing changed: either already ready or missing.
	if _, err := s.GetModel(ctx, company, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *api.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, company, name, created, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(company, id) DO UPDATE SET
			name = excluded.name,
			created = excluded.created, last_update = excluded.last_update`,
		p.ID, p.Company, p.Name, unixNanos(p.Created), unixNanos(p.LastUpdate),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	var (
		p                   api.Project
		created, lastUpdate int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company, name, created, last_update
		FROM projects WHERE id = ? AND company = ?`, id, company,
	).Scan(&p.ID, &p.Company, &p.Name, &created, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Created = fromUnixNanos(created)
	p.LastUpdate = fromUnixNanos(lastUpdate)
	return &p, nil
}

func (s *SQLiteStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_update = ? WHERE id = ? AND company = ?`, unixNanos(at), id, company)
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
