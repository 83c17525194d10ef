package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/workflow"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a relational implementation of Store. It works with any
// gorm dialector; the server wires postgres, mysql and sqlite.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*gormOptions)

type gormOptions struct {
	autoMigrate bool
	logger      *zap.Logger
}

// WithAutoMigrate creates or updates tables on construction. Production
// deployments run the SQL migrations instead.
func WithAutoMigrate() GormOption {
	return func(o *gormOptions) { o.autoMigrate = true }
}

// WithGormLogger sets the logger.
func WithGormLogger(logger *zap.Logger) GormOption {
	return func(o *gormOptions) { o.logger = logger }
}

// NewGormStore creates a store over an open gorm connection.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	o := gormOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.autoMigrate {
		if err := db.AutoMigrate(allModels()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return &GormStore{
		db:     db,
		logger: o.logger.With(zap.String("component", "gorm_store")),
		now:    time.Now,
	}, nil
}

// Ping checks if the store is healthy
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// =============================================================================
// Definitions
// =============================================================================

func (s *GormStore) SaveDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	var stored *workflow.Definition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&definitionRow{}).
			Where("id = ?", def.ID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		stored = prepareVersion(def, latest, s.now().UTC())
		body, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		return tx.Create(&definitionRow{
			ID:        stored.ID,
			Version:   stored.Version,
			Name:      stored.Name,
			Body:      string(body),
			CreatedAt: stored.CreatedAt,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return stored, nil
}

func (s *GormStore) GetDefinition(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if version > 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version DESC")
	}
	var row definitionRow
	if err := q.First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return decodeDefinition(row)
}

func (s *GormStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	latest := s.db.Model(&definitionRow{}).Select("id, MAX(version) AS version").Group("id")
	var rows []definitionRow
	err := s.db.WithContext(ctx).
		Table("workflow_definitions").
		Select("workflow_definitions.*").
		Joins("JOIN (?) AS latest ON latest.id = workflow_definitions.id AND latest.version = workflow_definitions.version", latest).
		Order("workflow_definitions.id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := decodeDefinition(row)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *GormStore) DeleteDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&definitionRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeDefinition(row definitionRow) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := json.Unmarshal([]byte(row.Body), &def); err != nil {
		return nil, fmt.Errorf("decode definition %s@%d: %w", row.ID, row.Version, err)
	}
	def.Version = row.Version
	def.CreatedAt = row.CreatedAt
	return &def, nil
}

// =============================================================================
// Executions
// =============================================================================

func executionToRow(exec *workflow.WorkflowExecution, now time.Time) (*executionRow, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	return &executionRow{
		ID:                exec.ID,
		DefinitionID:      exec.DefinitionID,
		DefinitionVersion: exec.DefinitionVersion,
		Status:            string(exec.Status),
		ChainID:           exec.ChainID,
		Body:              string(body),
		CreatedAt:         exec.CreatedAt,
		UpdatedAt:         now,
	}, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	row, err := executionToRow(exec, s.now())
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormStore) UpdateExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	row, err := executionToRow(exec, s.now())
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&executionRow{}).Where("id = ?", exec.ID).Updates(map[string]any{
		"status":     row.Status,
		"body":       row.Body,
		"updated_at": row.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	var row executionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	var exec workflow.WorkflowExecution
	if err := json.Unmarshal([]byte(row.Body), &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.WorkflowExecution, error) {
	q := s.db.WithContext(ctx).Model(&executionRow{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.DefinitionID != "" {
		q = q.Where("definition_id = ?", filter.DefinitionID)
	}
	if filter.ChainID != "" {
		q = q.Where("chain_id = ?", filter.ChainID)
	}
	var rows []executionRow
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limitOrDefault(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.WorkflowExecution, 0, len(rows))
	for _, row := range rows {
		var exec workflow.WorkflowExecution
		if err := json.Unmarshal([]byte(row.Body), &exec); err != nil {
			return nil, fmt.Errorf("decode execution %s: %w", row.ID, err)
		}
		out = append(out, &exec)
	}
	return out, nil
}

func (s *GormStore) SaveTask(ctx context.Context, task *workflow.TaskExecution) error {
	if task == nil || task.ExecutionID == "" || task.NodeID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	row := taskRow{
		ExecutionID: task.ExecutionID,
		NodeID:      task.NodeID,
		Level:       task.Level,
		State:       string(task.State),
		Body:        string(body),
		UpdatedAt:   s.now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}, {Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "state", "body", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) ListTasks(ctx context.Context, executionID string) ([]*workflow.TaskExecution, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).
		Order("level").Order("node_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.TaskExecution, 0, len(rows))
	for _, row := range rows {
		var t workflow.TaskExecution
		if err := json.Unmarshal([]byte(row.Body), &t); err != nil {
			return nil, fmt.Errorf("decode task %s/%s: %w", row.ExecutionID, row.NodeID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// AppendEvent inserts the event unless (execution_id, sequence) already exists.
func (s *GormStore) AppendEvent(ctx context.Context, ev workflow.ExecutionEvent) error {
	if ev.ExecutionID == "" {
		return ErrInvalidInput
	}
	row := eventRow{
		ExecutionID: ev.ExecutionID,
		Sequence:    ev.Sequence,
		Type:        string(ev.Type),
		NodeID:      ev.NodeID,
		Payload:     string(ev.Payload),
		Timestamp:   ev.Timestamp,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("duplicate event ignored",
			zap.String("execution_id", ev.ExecutionID),
			zap.Int64("sequence", ev.Sequence))
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, executionID string) ([]workflow.ExecutionEvent, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).
		Order("sequence").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]workflow.ExecutionEvent, 0, len(rows))
	for _, row := range rows {
		ev := workflow.ExecutionEvent{
			ExecutionID: row.ExecutionID,
			Sequence:    row.Sequence,
			Type:        workflow.EventType(row.Type),
			NodeID:      row.NodeID,
			Timestamp:   row.Timestamp,
		}
		if row.Payload != "" {
			ev.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, ev)
	}
	return out, nil
}

// =============================================================================
// Chains
// =============================================================================

func (s *GormStore) SaveChainExecution(ctx context.Context, exec *workflow.ChainExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal chain execution: %w", err)
	}
	row := chainRow{
		ID:        exec.ID,
		ChainID:   exec.ChainID,
		Status:    string(exec.Status),
		Body:      string(body),
		CreatedAt: exec.CreatedAt,
		UpdatedAt: s.now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "body", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) GetChainExecution(ctx context.Context, id string) (*workflow.ChainExecution, error) {
	var row chainRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	var exec workflow.ChainExecution
	if err := json.Unmarshal([]byte(row.Body), &exec); err != nil {
		return nil, fmt.Errorf("decode chain execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *GormStore) ListChainExecutions(ctx context.Context, filter ChainFilter) ([]*workflow.ChainExecution, error) {
	q := s.db.WithContext(ctx).Model(&chainRow{})
	if filter.ChainID != "" {
		q = q.Where("chain_id = ?", filter.ChainID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var rows []chainRow
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limitOrDefault(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*workflow.ChainExecution, 0, len(rows))
	for _, row := range rows {
		var exec workflow.ChainExecution
		if err := json.Unmarshal([]byte(row.Body), &exec); err != nil {
			return nil, fmt.Errorf("decode chain execution %s: %w", row.ID, err)
		}
		out = append(out, &exec)
	}
	return out, nil
}
