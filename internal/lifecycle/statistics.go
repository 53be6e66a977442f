package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// StatisticsUpdate is a progress report from a worker.
type StatisticsUpdate struct {
	// LastUpdate defaults to the current time.
	LastUpdate time.Time

	// LastIteration sets the counter. When nil, LastIterationMax is merged
	// with the stored value so that late reports never move it backwards.
	LastIteration    *int64
	LastIterationMax *int64

	// LastMetrics is merged into the stored metrics leaf by leaf.
	LastMetrics api.LastMetrics

	// Extra carries additional non-status fields such as started or
	// completed.
	Extra api.Update
}

// UpdateStatistics writes a progress report without any status guard.
func (s *Service) UpdateStatistics(ctx context.Context, company, taskID string, stats StatisticsUpdate) error {
	if err := validateStatistics(stats); err != nil {
		return err
	}

	upd := stats.Extra
	upd.LastUpdate = stats.LastUpdate
	if upd.LastUpdate.IsZero() {
		upd.LastUpdate = s.clock()
	}
	upd.LastIteration = stats.LastIteration
	upd.LastIterationMax = stats.LastIterationMax
	upd.LastMetrics = stats.LastMetrics

	if err := s.tasks.UpdateTask(ctx, company, taskID, upd); err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return invalidTask(taskID)
		}
		return fmt.Errorf("update task statistics: %w", err)
	}
	s.observer.OnStatisticsUpdated(ctx, company, taskID)
	return nil
}

func validateStatistics(stats StatisticsUpdate) error {
	if stats.Extra.Status != nil {
		return validationError("status cannot be changed by a statistics update")
	}
	if stats.LastIteration != nil && *stats.LastIteration < 0 {
		return validationError("last iteration must not be negative")
	}
	if stats.LastIterationMax != nil && *stats.LastIterationMax < 0 {
		return validationError("last iteration must not be negative")
	}
	for metric, variants := range stats.LastMetrics {
		if err := validateMetricKey(metric); err != nil {
			return err
		}
		for variant := range variants {
			if err := validateMetricKey(variant); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateMetricKey rejects keys that cannot be used as a nested document
// field name by every store.
func validateMetricKey(key string) error {
	if key == "" || strings.Contains(key, ".") || strings.HasPrefix(key, "$") {
		return validationError("invalid metric key %q", key)
	}
	return nil
}

// SetLastUpdate sets the last update time of the given tasks of company and
// returns how many were updated. Missing ids are skipped.
func (s *Service) SetLastUpdate(ctx context.Context, company string, ids []string, at time.Time) (int, error) {
	if at.IsZero() {
		at = s.clock()
	}
	updated := 0
	for _, id := range ids {
		err := s.tasks.UpdateTask(ctx, company, id, api.Update{LastUpdate: at})
		switch {
		case err == nil:
			updated++
		case errors.Is(err, persistence.ErrTaskNotFound):
		default:
			return updated, fmt.Errorf("set last update: %w", err)
		}
	}
	return updated, nil
}

// MetricVariant names one leaf of a task's last metrics.
type MetricVariant struct {
	Metric  string `json:"metric"`
	Variant string `json:"variant"`
}

// UniqueMetricVariants returns the distinct metric variants reported by the
// tasks of company, optionally restricted to projectIDs, sorted by metric
// and then variant.
func (s *Service) UniqueMetricVariants(ctx context.Context, company string, projectIDs []string) ([]MetricVariant, error) {
	tasks, err := s.tasks.ListTasks(ctx, persistence.TaskFilter{Company: company, Projects: projectIDs})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	seen := make(map[MetricVariant]struct{})
	for _, t := range tasks {
		for metric, variants := range t.LastMetrics {
			for variant := range variants {
				seen[MetricVariant{Metric: metric, Variant: variant}] = struct{}{}
			}
		}
	}
	out := make([]MetricVariant, 0, len(seen))
	for mv := range seen {
		out = append(out, mv)
	}
	slices.SortFunc(out, func(a, b MetricVariant) int {
		return cmp.Or(cmp.Compare(a.Metric, b.Metric), cmp.Compare(a.Variant, b.Variant))
	})
	return out, nil
}
