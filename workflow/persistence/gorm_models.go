package persistence

import "time"

// 行模型只把过滤和排序用到的列拆出来，其余字段整体存为 JSON。

type definitionRow struct {
	ID        string `gorm:"primaryKey;size:191"`
	Version   int    `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"size:255"`
	Body      string
	CreatedAt time.Time
}

func (definitionRow) TableName() string { return "workflow_definitions" }

type executionRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	DefinitionID      string `gorm:"size:191;index"`
	DefinitionVersion int
	Status            string `gorm:"size:32;index"`
	ChainID           string `gorm:"size:191;index"`
	Body              string
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

func (executionRow) TableName() string { return "workflow_executions" }

type taskRow struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	NodeID      string `gorm:"primaryKey;size:191"`
	Level       int
	State       string `gorm:"size:32"`
	Body        string
	UpdatedAt   time.Time
}

func (taskRow) TableName() string { return "task_executions" }

type eventRow struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	Sequence    int64  `gorm:"primaryKey;autoIncrement:false"`
	Type        string `gorm:"size:64"`
	NodeID      string `gorm:"size:191"`
	Payload     string
	Timestamp   time.Time
}

func (eventRow) TableName() string { return "execution_events" }

type chainRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	ChainID   string `gorm:"size:191;index"`
	Status    string `gorm:"size:32;index"`
	Body      string
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (chainRow) TableName() string { return "chain_executions" }

func allModels() []any {
	return []any{&definitionRow{}, &executionRow{}, &taskRow{}, &eventRow{}, &chainRow{}}
}
