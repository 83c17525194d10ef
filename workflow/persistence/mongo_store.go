package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/workflow"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

var _ Store = (*MongoStore)(nil)

// MongoStore is a MongoDB implementation of Store. Like GormStore it keeps
// filterable fields as top-level keys and the record itself as a JSON body.
type MongoStore struct {
	client      *mongo.Client
	definitions *mongo.Collection
	executions  *mongo.Collection
	tasks       *mongo.Collection
	events      *mongo.Collection
	chains      *mongo.Collection
	logger      *zap.Logger
	now         func() time.Time
}

type mongoDefinition struct {
	DefID     string    `bson:"def_id"`
	Version   int       `bson:"version"`
	Body      string    `bson:"body"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoRecord struct {
	ID           string    `bson:"_id"`
	DefinitionID string    `bson:"definition_id,omitempty"`
	ChainID      string    `bson:"chain_id,omitempty"`
	ExecutionID  string    `bson:"execution_id,omitempty"`
	Status       string    `bson:"status,omitempty"`
	Level        int       `bson:"level"`
	NodeID       string    `bson:"node_id,omitempty"`
	Body         string    `bson:"body"`
	CreatedAt    time.Time `bson:"created_at"`
}

type mongoEvent struct {
	ExecutionID string `bson:"execution_id"`
	Sequence    int64  `bson:"sequence"`
	Body        string `bson:"body"`
}

// NewMongoStore connects to uri and prepares collections and indexes in database.
func NewMongoStore(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:      client,
		definitions: db.Collection("workflow_definitions"),
		executions:  db.Collection("workflow_executions"),
		tasks:       db.Collection("task_executions"),
		events:      db.Collection("execution_events"),
		chains:      db.Collection("chain_executions"),
		logger:      logger.With(zap.String("component", "mongo_store")),
		now:         time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.definitions, mongo.IndexModel{Keys: bson.D{{Key: "def_id", Value: 1}, {Key: "version", Value: -1}}, Options: unique}},
		{s.events, mongo.IndexModel{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "sequence", Value: 1}}, Options: unique}},
		{s.executions, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{s.tasks, mongo.IndexModel{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "level", Value: 1}}}},
		{s.chains, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// Ping checks if the store is healthy
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func decodeBody[T any](body string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// Definitions
// =============================================================================

// SaveDefinition relies on the unique (def_id, version) index; a racing save
// of the same ID retries with the next version.
func (s *MongoStore) SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 5; attempt++ {
		latest := 0
		var cur mongoDefinition
		err := s.definitions.FindOne(ctx, bson.M{"def_id": def.ID},
			options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&cur)
		switch {
		case err == nil:
			latest = cur.Version
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, err
		}

		stored := prepareVersion(def, latest, s.now().UTC())
		body, err := json.Marshal(stored)
		if err != nil {
			return nil, fmt.Errorf("marshal definition: %w", err)
		}
		_, err = s.definitions.InsertOne(ctx, mongoDefinition{
			DefID:     stored.ID,
			Version:   stored.Version,
			Body:      string(body),
			CreatedAt: stored.CreatedAt,
		})
		if err == nil {
			return stored, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("save definition %s: version contention", def.ID)
}

func (s *MongoStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	filter := bson.M{"def_id": id}
	opts := options.FindOne()
	if version > 0 {
		filter["version"] = version
	} else {
		opts.SetSort(bson.D{{Key: "version", Value: -1}})
	}
	var doc mongoDefinition
	if err := s.definitions.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		return nil, mongoNotFound(err)
	}
	return decodeBody[workflow.Definition](doc.Body)
}

func (s *MongoStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	cur, err := s.definitions.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "def_id", Value: 1}, {Key: "version", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoDefinition
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	var out []*workflow.Definition
	seen := make(map[string]bool)
	for _, doc := range docs {
		if seen[doc.DefID] {
			continue
		}
		seen[doc.DefID] = true
		def, err := decodeBody[workflow.Definition](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *MongoStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.definitions.DeleteMany(ctx, bson.M{"def_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Executions
// =============================================================================

func executionRecord(exec *workflow.WorkflowExecution) (mongoRecord, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return mongoRecord{}, fmt.Errorf("marshal execution: %w", err)
	}
	return mongoRecord{
		ID:           exec.ID,
		DefinitionID: exec.DefinitionID,
		ChainID:      exec.ChainID,
		Status:       string(exec.Status),
		Body:         string(body),
		CreatedAt:    exec.CreatedAt,
	}, nil
}

func (s *MongoStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	rec, err := executionRecord(exec)
	if err != nil {
		return err
	}
	_, err = s.executions.InsertOne(ctx, rec)
	return err
}

func (s *MongoStore) UpdateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	rec, err := executionRecord(exec)
	if err != nil {
		return err
	}
	res, err := s.executions.ReplaceOne(ctx, bson.M{"_id": exec.ID}, rec)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	var rec mongoRecord
	if err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return nil, mongoNotFound(err)
	}
	return decodeBody[workflow.WorkflowExecution](rec.Body)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.WorkflowExecution, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.DefinitionID != "" {
		q["definition_id"] = filter.DefinitionID
	}
	if filter.ChainID != "" {
		q["chain_id"] = filter.ChainID
	}
	cur, err := s.executions.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limitOrDefault(filter.Limit))))
	if err != nil {
		return nil, err
	}
	var recs []mongoRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]*workflow.WorkflowExecution, 0, len(recs))
	for _, rec := range recs {
		exec, err := decodeBody[workflow.WorkflowExecution](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *MongoStore) SaveTask(ctx context.Context, task *workflow.TaskExecution) error {
	if task == nil || task.ExecutionID == "" || task.NodeID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	rec := mongoRecord{
		ID:          task.ExecutionID + "/" + task.NodeID,
		ExecutionID: task.ExecutionID,
		NodeID:      task.NodeID,
		Level:       task.Level,
		Status:      string(task.State),
		Body:        string(body),
		CreatedAt:   s.now(),
	}
	_, err = s.tasks.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ListTasks(ctx context.Context, executionID string) ([]*workflow.TaskExecution, error) {
	cur, err := s.tasks.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "level", Value: 1}, {Key: "node_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var recs []mongoRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]*workflow.TaskExecution, 0, len(recs))
	for _, rec := range recs {
		t, err := decodeBody[workflow.TaskExecution](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AppendEvent treats a duplicate-key error from the unique index as success.
func (s *MongoStore) AppendEvent(ctx context.Context, ev workflow.ExecutionEvent) error {
	if ev.ExecutionID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.events.InsertOne(ctx, mongoEvent{ExecutionID: ev.ExecutionID, Sequence: ev.Sequence, Body: string(body)})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, executionID string) ([]workflow.ExecutionEvent, error) {
	cur, err := s.events.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoEvent
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]workflow.ExecutionEvent, 0, len(docs))
	for _, doc := range docs {
		ev, err := decodeBody[workflow.ExecutionEvent](doc.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

// =============================================================================
// Chains
// =============================================================================

func (s *MongoStore) SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal chain execution: %w", err)
	}
	rec := mongoRecord{
		ID:        exec.ID,
		ChainID:   exec.ChainID,
		Status:    string(exec.Status),
		Body:      string(body),
		CreatedAt: exec.CreatedAt,
	}
	_, err = s.chains.ReplaceOne(ctx, bson.M{"_id": exec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetChainExecution(ctx context.Context, id string) (*workflow.ChainExecution, error) {
	var rec mongoRecord
	if err := s.chains.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return nil, mongoNotFound(err)
	}
	return decodeBody[workflow.ChainExecution](rec.Body)
}

func (s *MongoStore) ListChainExecutions(ctx context.Context, filter ChainFilter) ([]*workflow.ChainExecution, error) {
	q := bson.M{}
	if filter.ChainID != "" {
		q["chain_id"] = filter.ChainID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	cur, err := s.chains.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limitOrDefault(filter.Limit))))
	if err != nil {
		return nil, err
	}
	var recs []mongoRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]*workflow.ChainExecution, 0, len(recs))
	for _, rec := range recs {
		c, err := decodeBody[workflow.ChainExecution](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
