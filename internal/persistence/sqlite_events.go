package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (company, task_id, at, type, from_status, to_status, reason, message, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Company,
		ev.TaskID,
		at.UnixNano(),
		string(ev.Type),
		string(ev.From),
		string(ev.To),
		ev.Reason,
		ev.Message,
		ev.Detail,
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company, task_id, at, type, from_status, to_status, reason, message, detail
		FROM task_events
		WHERE company = ? AND task_id = ?
		ORDER BY id ASC`, company, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows, func(v any) time.Time { return fromUnixNanos(v.(int64)) })
}

// scanEvents reads StatusEvent rows; toTime converts the scanned "at"
// column into a time.
func scanEvents(rows *sql.Rows, toTime func(any) time.Time) ([]api.StatusEvent, error) {
	var out []api.StatusEvent
	for rows.Next() {
		var (
			ev            api.StatusEvent
			at            any
			typ, from, to string
		)
		if err := rows.Scan(&ev.Company, &ev.TaskID, &at, &typ, &from, &to, &ev.Reason, &ev.Message, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = toTime(at)
		ev.Type = api.EventType(typ)
		ev.From = api.Status(from)
		ev.To = api.Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}
