package persistence

import (
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/taskstate/pkg/api"
)

// sqlDialect captures what differs between the SQL backends when rendering
// a task update.
type sqlDialect struct {
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// timeArg converts a timestamp into a bind value for the dialect's
	// time columns.
	timeArg func(time.Time) any
	// maxIteration is the expression merging last_iteration with %s.
	maxIteration string
	// mergeMetrics is the expression merging last_metrics with the JSON
	// document bound to %s, leaf by leaf.
	mergeMetrics string
	// jsonParam renders a JSON document bind parameter.
	jsonParam func(placeholder string) string
}

var sqliteDialect = sqlDialect{
	placeholder:  func(int) string { return "?" },
	timeArg:      func(t time.Time) any { return unixNanos(t) },
	maxIteration: "MAX(last_iteration, %s)",
	// json_patch merges objects recursively. MetricEvent never serializes a
	// null, so no leaf field is ever deleted by the patch.
	mergeMetrics: "json_patch(last_metrics, %s)",
	jsonParam:    func(p string) string { return p },
}

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg: func(t time.Time) any {
		if t.IsZero() {
			return nil
		}
		return t.UTC()
	},
	maxIteration: "GREATEST(last_iteration, %s)",
	mergeMetrics: `last_metrics || COALESCE((
			SELECT jsonb_object_agg(m.key, COALESCE(tasks.last_metrics -> m.key, '{}'::jsonb) || m.value)
			FROM jsonb_each(%s) AS m
		), '{}'::jsonb)`,
	jsonParam: func(p string) string { return p + "::jsonb" },
}

// sqlBuilder accumulates SET clauses and bind arguments.
type sqlBuilder struct {
	d    sqlDialect
	sets []string
	args []any
}

// bind appends v and returns its placeholder.
func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *sqlBuilder) set(col string, v any) {
	b.sets = append(b.sets, col+" = "+b.bind(v))
}

func (b *sqlBuilder) setExpr(col, expr string, v any) {
	b.sets = append(b.sets, col+" = "+fmt.Sprintf(expr, b.bind(v)))
}

// buildTaskUpdate renders upd as SET clauses. The WHERE clause is bound
// by the caller through the returned builder.
func buildTaskUpdate(d sqlDialect, upd api.Update) (*sqlBuilder, error) {
	b := &sqlBuilder{d: d}
	if upd.Status != nil {
		b.set("status", string(*upd.Status))
	}
	if upd.StatusReason != nil {
		b.set("status_reason", *upd.StatusReason)
	}
	if upd.StatusMessage != nil {
		b.set("status_message", *upd.StatusMessage)
	}
	if upd.StatusChanged != nil {
		b.set("status_changed", d.timeArg(*upd.StatusChanged))
	}
	b.set("last_update", d.timeArg(upd.LastUpdate))
	if upd.Started != nil {
		b.set("started", d.timeArg(*upd.Started))
	}
	if upd.Completed != nil {
		b.set("completed", d.timeArg(*upd.Completed))
	}
	if upd.Published != nil {
		b.set("published", d.timeArg(*upd.Published))
	}
	if upd.Output != nil {
		doc, err := encodeJSON(upd.Output)
		if err != nil {
			return nil, err
		}
		b.setExpr("output", d.jsonParam("%s"), doc)
	}
	switch {
	case upd.LastIteration != nil:
		b.set("last_iteration", *upd.LastIteration)
	case upd.LastIterationMax != nil:
		b.setExpr("last_iteration", d.maxIteration, *upd.LastIterationMax)
	}
	if len(upd.LastMetrics) > 0 {
		doc, err := encodeJSON(upd.LastMetrics)
		if err != nil {
			return nil, err
		}
		b.setExpr("last_metrics", fmt.Sprintf(d.mergeMetrics, d.jsonParam("%s")), doc)
	}
	return b, nil
}

// updateStatement renders the full UPDATE for the task matching company
// and id, optionally guarded by its current status.
func updateStatement(d sqlDialect, company, id string, expected *api.Status, upd api.Update) (string, []any, error) {
	b, err := buildTaskUpdate(d, upd)
	if err != nil {
		return "", nil, err
	}
	where := "id = " + b.bind(id) + " AND company = " + b.bind(company)
	if expected != nil {
		where += " AND status = " + b.bind(string(*expected))
	}
	q := "UPDATE tasks SET " + strings.Join(b.sets, ", ") + " WHERE " + where
	return q, b.args, nil
}
