package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/petrijr/taskstate/internal/persistence"
	"github.com/petrijr/taskstate/pkg/api"
)

// outputSchemes are the destination URI schemes tasks may write to.
var outputSchemes = []string{"s3", "gs", "azure", "file", "http", "https"}

// CreateTaskRequest describes a new task.
type CreateTaskRequest struct {
	Company   string
	User      string
	Name      string
	Type      api.TaskType
	Comment   string
	Parent    string
	Project   string
	Tags      []string
	Output    api.Output
	Execution api.Execution

	// Force allows an execution model that is not ready yet.
	Force bool
}

// CreateTask validates req and stores a new task in status created.
// Nothing is written when validation fails.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*api.Task, error) {
	if err := s.validateCreate(ctx, req); err != nil {
		return nil, err
	}

	now := s.clock()
	task := &api.Task{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		Company:    req.Company,
		User:       req.User,
		Name:       req.Name,
		Type:       req.Type,
		Comment:    req.Comment,
		Status:     api.StatusCreated,
		Created:    now,
		LastUpdate: now,
		Parent:     req.Parent,
		Project:    req.Project,
		Tags:       slices.Clone(req.Tags),
		Output:     req.Output,
		Execution:  req.Execution,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.touchProject(ctx, task, now)
	return task.Clone(), nil
}

func (s *Service) validateCreate(ctx context.Context, req CreateTaskRequest) error {
	if len(req.Name) < 3 {
		return validationError("task name must be at least 3 characters")
	}
	if !req.Type.Valid() {
		return validationError("invalid task type %q", req.Type)
	}
	for key := range req.Execution.Parameters {
		if key == "" || strings.ContainsFunc(key, unicode.IsSpace) {
			return validationError("invalid parameter name %q", key)
		}
	}
	if dest := req.Output.Destination; dest != "" {
		u, err := url.Parse(dest)
		if err != nil || !slices.Contains(outputSchemes, strings.ToLower(u.Scheme)) {
			return api.NewError(api.CodeFieldsValue, "unsupported output destination",
				api.WithMeta("destination", dest),
				api.WithMeta("supported", strings.Join(outputSchemes, ",")),
			)
		}
	}

	if req.Parent != "" {
		if _, err := s.GetTaskForWriting(ctx, req.Company, req.Parent); err != nil {
			return err
		}
	}
	if req.Project != "" {
		_, err := s.projects.GetProject(ctx, req.Company, req.Project)
		if errors.Is(err, persistence.ErrProjectNotFound) {
			return invalidProject(req.Project)
		}
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
	}
	if modelID := req.Execution.Model; modelID != "" {
		model, err := s.models.GetModel(ctx, req.Company, modelID)
		if errors.Is(err, persistence.ErrModelNotFound) {
			return invalidModel(modelID)
		}
		if err != nil {
			return fmt.Errorf("get execution model: %w", err)
		}
		if !model.Ready && !req.Force {
			return api.NewError(api.CodeModelNotReady, "execution model is not ready", api.WithMeta("id", modelID))
		}
	}
	return nil
}

// AssertTasksExist returns api.ErrInvalidTaskID unless every id names a
// task of company.
func (s *Service) AssertTasksExist(ctx context.Context, company string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tasks, err := s.tasks.ListTasks(ctx, persistence.TaskFilter{Company: company, IDs: ids})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	found := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		found[t.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return invalidTask(id)
		}
	}
	return nil
}

// TaskHistory returns the status events of a task in the order they were
// recorded.
func (s *Service) TaskHistory(ctx context.Context, company, id string) ([]api.StatusEvent, error) {
	if _, err := s.GetTaskForWriting(ctx, company, id); err != nil {
		return nil, err
	}
	events, err := s.events.ListEvents(ctx, company, id)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	return events, nil
}

// CreateModel stores a model. An empty id is generated.
func (s *Service) CreateModel(ctx context.Context, m api.Model) (*api.Model, error) {
	if m.Company == "" {
		return nil, validationError("model company is required")
	}
	if m.ID == "" {
		m.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if m.Created.IsZero() {
		m.Created = s.clock()
	}
	if err := s.models.CreateModel(ctx, &m); err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	return &m, nil
}

// CreateProject stores a project. An empty id is generated.
func (s *Service) CreateProject(ctx context.Context, p api.Project) (*api.Project, error) {
	if p.Company == "" {
		return nil, validationError("project company is required")
	}
	if p.ID == "" {
		p.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if p.Created.IsZero() {
		p.Created = s.clock()
	}
	if p.LastUpdate.IsZero() {
		p.LastUpdate = p.Created
	}
	if err := s.projects.CreateProject(ctx, &p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}
