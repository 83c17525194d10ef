package dsl

import "github.com/BaSui01/taskflow/workflow"

// WorkflowDSL 工作流声明文件的顶层结构（YAML 或 JSON）
type WorkflowDSL struct {
	// Version DSL 版本，目前只支持 "1"
	Version     string `yaml:"version" json:"version"`
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Variables 解析期变量，节点参数中的 {{name}} 会被替换为默认值
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`

	FailurePolicy workflow.FailurePolicy `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`
	Concurrency   int                    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Defaults      workflow.Defaults      `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Nodes 节点定义，依赖可以写在 depends_on / next 或单独的 edges 中
	Nodes []NodeDef             `yaml:"nodes" json:"nodes"`
	Edges []workflow.Dependency `yaml:"edges,omitempty" json:"edges,omitempty"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// VariableDef 变量定义
type VariableDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`               // string, number, bool
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`         // 默认值
	Description string `yaml:"description,omitempty" json:"description,omitempty"` // 描述
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`       // 是否必填
}

// NodeDef 节点定义
type NodeDef struct {
	ID          string                `yaml:"id" json:"id"`
	Type        string                `yaml:"type" json:"type"` // agent 能力标签
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Params      map[string]any        `yaml:"params,omitempty" json:"params,omitempty"`
	TimeoutMs   int64                 `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Retry       *workflow.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	DependsOn   []string              `yaml:"depends_on,omitempty" json:"depends_on,omitempty"` // 上游节点
	Next        []string              `yaml:"next,omitempty" json:"next,omitempty"`             // 下游节点
}
