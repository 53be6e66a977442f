package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskstate/pkg/api"
)

// MongoStore implements every store interface on top of MongoDB. Conditional
// updates use a single UpdateOne whose filter carries the expected status.
// Records are identified by (company, id) under a unique index; _id is left
// to the server.
type MongoStore struct {
	tasks    *mongo.Collection
	models   *mongo.Collection
	projects *mongo.Collection
	events   *mongo.Collection
}

// Ensure MongoStore implements the interfaces.
var (
	_ TaskStore    = (*MongoStore)(nil)
	_ ModelStore   = (*MongoStore)(nil)
	_ ProjectStore = (*MongoStore)(nil)
	_ EventStore   = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "taskstate"
// if empty. It creates the indexes it needs.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "taskstate"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		tasks:    db.Collection("tasks"),
		models:   db.Collection("models"),
		projects: db.Collection("projects"),
		events:   db.Collection("task_events"),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: tenantIndexKeys, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "company", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "company", Value: 1}, {Key: "project", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create task indexes: %w", err)
	}
	for _, c := range []*mongo.Collection{s.models, s.projects} {
		if _, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    tenantIndexKeys,
			Options: options.Index().SetUnique(true),
		}); err != nil {
			return nil, fmt.Errorf("create %s indexes: %w", c.Name(), err)
		}
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "company", Value: 1}, {Key: "task_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("create event indexes: %w", err)
	}
	return s, nil
}

var tenantIndexKeys = bson.D{{Key: "company", Value: 1}, {Key: "id", Value: 1}}

// Persistence returns a bundle using s for every store.
func (s *MongoStore) Persistence() Persistence {
	return Persistence{Tasks: s, Models: s, Projects: s, Events: s}
}

type mongoTaskDoc struct {
	ID      string `bson:"id"`
	Company string `bson:"company"`
	User    string `bson:"user,omitempty"`
	Name    string `bson:"name"`
	Type    string `bson:"type"`
	Comment string `bson:"comment,omitempty"`

	Status        string    `bson:"status"`
	StatusReason  string    `bson:"status_reason,omitempty"`
	StatusMessage string    `bson:"status_message,omitempty"`
	StatusChanged time.Time `bson:"status_changed,omitempty"`

	Created    time.Time `bson:"created,omitempty"`
	Started    time.Time `bson:"started,omitempty"`
	Completed  time.Time `bson:"completed,omitempty"`
	Published  time.Time `bson:"published,omitempty"`
	LastUpdate time.Time `bson:"last_update,omitempty"`

	Parent  string   `bson:"parent,omitempty"`
	Project string   `bson:"project,omitempty"`
	Tags    []string `bson:"tags,omitempty"`

	Output    api.Output    `bson:"output"`
	Execution api.Execution `bson:"execution"`

	LastIteration int64           `bson:"last_iteration"`
	LastMetrics   api.LastMetrics `bson:"last_metrics,omitempty"`
}

func toMongoTask(t *api.Task) mongoTaskDoc {
	return mongoTaskDoc{
		ID:            t.ID,
		Company:       t.Company,
		User:          t.User,
		Name:          t.Name,
		Type:          string(t.Type),
		Comment:       t.Comment,
		Status:        string(t.Status),
		StatusReason:  t.StatusReason,
		StatusMessage: t.StatusMessage,
		StatusChanged: t.StatusChanged,
		Created:       t.Created,
		Started:       t.Started,
		Completed:     t.Completed,
		Published:     t.Published,
		LastUpdate:    t.LastUpdate,
		Parent:        t.Parent,
		Project:       t.Project,
		Tags:          t.Tags,
		Output:        t.Output,
		Execution:     t.Execution,
		LastIteration: t.LastIteration,
		LastMetrics:   t.LastMetrics,
	}
}

func (d mongoTaskDoc) task() *api.Task {
	t := &api.Task{
		ID:            d.ID,
		Company:       d.Company,
		User:          d.User,
		Name:          d.Name,
		Type:          api.TaskType(d.Type),
		Comment:       d.Comment,
		Status:        api.Status(d.Status),
		StatusReason:  d.StatusReason,
		StatusMessage: d.StatusMessage,
		StatusChanged: utcOrZero(d.StatusChanged),
		Created:       utcOrZero(d.Created),
		Started:       utcOrZero(d.Started),
		Completed:     utcOrZero(d.Completed),
		Published:     utcOrZero(d.Published),
		LastUpdate:    utcOrZero(d.LastUpdate),
		Parent:        d.Parent,
		Project:       d.Project,
		Tags:          d.Tags,
		Output:        d.Output,
		Execution:     d.Execution,
		LastIteration: d.LastIteration,
		LastMetrics:   d.LastMetrics,
	}
	if len(t.LastMetrics) == 0 {
		t.LastMetrics = nil
	}
	return t
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func (s *MongoStore) CreateTask(ctx context.Context, t *api.Task) error {
	_, err := s.tasks.InsertOne(ctx, toMongoTask(t))
	if mongo.IsDuplicateKeyError(err) {
		return ErrTaskExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, company, id string) (*api.Task, error) {
	var doc mongoTaskDoc
	err := s.tasks.FindOne(ctx, bson.M{"id": id, "company": company}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return doc.task(), nil
}

func (s *MongoStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.Task, error) {
	q := bson.M{"company": filter.Company}
	if len(filter.IDs) > 0 {
		q["id"] = bson.M{"$in": filter.IDs}
	}
	if len(filter.Projects) > 0 {
		q["project"] = bson.M{"$in": filter.Projects}
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created", Value: 1}, {Key: "id", Value: 1}})
	cur, err := s.tasks.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer cur.Close(ctx)

	var out []*api.Task
	for cur.Next(ctx) {
		var doc mongoTaskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.task())
	}
	return out, cur.Err()
}

// mongoUpdate renders upd as an update document. The iteration max-merge
// maps to $max and every metric leaf to its own dotted $set path.
func mongoUpdate(upd api.Update) bson.M {
	set := bson.M{"last_update": upd.LastUpdate}
	if upd.Status != nil {
		set["status"] = string(*upd.Status)
	}
	if upd.StatusReason != nil {
		set["status_reason"] = *upd.StatusReason
	}
	if upd.StatusMessage != nil {
		set["status_message"] = *upd.StatusMessage
	}
	if upd.StatusChanged != nil {
		set["status_changed"] = *upd.StatusChanged
	}
	if upd.Started != nil {
		set["started"] = *upd.Started
	}
	if upd.Completed != nil {
		set["completed"] = *upd.Completed
	}
	if upd.Published != nil {
		set["published"] = *upd.Published
	}
	if upd.Output != nil {
		set["output"] = *upd.Output
	}
	for metric, variants := range upd.LastMetrics {
		for variant, ev := range variants {
			set["last_metrics."+metric+"."+variant] = ev
		}
	}

	doc := bson.M{}
	switch {
	case upd.LastIteration != nil:
		set["last_iteration"] = *upd.LastIteration
	case upd.LastIterationMax != nil:
		doc["$max"] = bson.M{"last_iteration": *upd.LastIterationMax}
	}
	doc["$set"] = set
	return doc
}

func (s *MongoStore) UpdateTask(ctx context.Context, company, id string, upd api.Update) error {
	res, err := s.tasks.UpdateOne(ctx, bson.M{"id": id, "company": company}, mongoUpdate(upd))
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *MongoStore) UpdateTaskIfStatus(ctx context.Context, company, id string, expected api.Status, upd api.Update) error {
	filter := bson.M{"id": id, "company": company, "status": string(expected)}
	res, err := s.tasks.UpdateOne(ctx, filter, mongoUpdate(upd))
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrStatusConflict
	}
	return nil
}

type mongoModelDoc struct {
	ID      string    `bson:"id"`
	Company string    `bson:"company"`
	Name    string    `bson:"name"`
	URI     string    `bson:"uri,omitempty"`
	Task    string    `bson:"task,omitempty"`
	Ready   bool      `bson:"ready"`
	Created time.Time `bson:"created,omitempty"`
}

func (s *MongoStore) CreateModel(ctx context.Context, m *api.Model) error {
	doc := mongoModelDoc{ID: m.ID, Company: m.Company, Name: m.Name, URI: m.URI, Task: m.Task, Ready: m.Ready, Created: m.Created}
	_, err := s.models.ReplaceOne(ctx, bson.M{"id": m.ID, "company": m.Company}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

func (s *MongoStore) GetModel(ctx context.Context, company, id string) (*api.Model, error) {
	var doc mongoModelDoc
	err := s.models.FindOne(ctx, bson.M{"id": id, "company": company}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return &api.Model{
		ID: doc.ID, Company: doc.Company, Name: doc.Name, URI: doc.URI,
		Task: doc.Task, Ready: doc.Ready, Created: utcOrZero(doc.Created),
	}, nil
}

func (s *MongoStore) SetModelReady(ctx context.Context, company, id string) (bool, error) {
	res, err := s.models.UpdateOne(ctx,
		bson.M{"id": id, "company": company, "ready": false},
		bson.M{"$set": bson.M{"ready": true}},
	)
	if err != nil {
		return false, fmt.Errorf("set model ready: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if _, err := s.GetModel(ctx, company, id); err != nil {
		return false, err
	}
	return false, nil
}

type mongoProjectDoc struct {
	ID         string    `bson:"id"`
	Company    string    `bson:"company"`
	Name       string    `bson:"name"`
	Created    time.Time `bson:"created,omitempty"`
	LastUpdate time.Time `bson:"last_update,omitempty"`
}

func (s *MongoStore) CreateProject(ctx context.Context, p *api.Project) error {
	doc := mongoProjectDoc{ID: p.ID, Company: p.Company, Name: p.Name, Created: p.Created, LastUpdate: p.LastUpdate}
	_, err := s.projects.ReplaceOne(ctx, bson.M{"id": p.ID, "company": p.Company}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *MongoStore) GetProject(ctx context.Context, company, id string) (*api.Project, error) {
	var doc mongoProjectDoc
	err := s.projects.FindOne(ctx, bson.M{"id": id, "company": company}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &api.Project{
		ID: doc.ID, Company: doc.Company, Name: doc.Name,
		Created: utcOrZero(doc.Created), LastUpdate: utcOrZero(doc.LastUpdate),
	}, nil
}

func (s *MongoStore) TouchProject(ctx context.Context, company, id string, at time.Time) error {
	res, err := s.projects.UpdateOne(ctx,
		bson.M{"id": id, "company": company},
		bson.M{"$set": bson.M{"last_update": at}},
	)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrProjectNotFound
	}
	return nil
}

type mongoEventDoc struct {
	api.StatusEvent `bson:",inline"`
	Seq             int64 `bson:"seq"`
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// seq orders events appended within the same millisecond.
	_, err := s.events.InsertOne(ctx, mongoEventDoc{StatusEvent: ev, Seq: time.Now().UnixNano()})
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, company, taskID string) ([]api.StatusEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"company": company, "task_id": taskID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.StatusEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		doc.At = doc.At.UTC()
		out = append(out, doc.StatusEvent)
	}
	return out, cur.Err()
}
