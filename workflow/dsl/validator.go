package dsl

import (
	"fmt"
	"strings"

	"github.com/BaSui01/taskflow/workflow"
)

// SupportedVersions DSL 支持的版本
var SupportedVersions = map[string]bool{"": true, "1": true, "1.0": true}

// Validator DSL 验证器，收集全部错误而不是遇到第一个就返回
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 验证工作流 DSL 的结构。环检测留给 workflow.BuildLevels。
func (v *Validator) Validate(dsl *WorkflowDSL) []error {
	var errs []error

	if !SupportedVersions[dsl.Version] {
		errs = append(errs, fmt.Errorf("unsupported version %q", dsl.Version))
	}
	if dsl.ID == "" {
		errs = append(errs, fmt.Errorf("id is required"))
	}
	if len(dsl.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
	}
	if dsl.FailurePolicy != "" && !dsl.FailurePolicy.Valid() {
		errs = append(errs, fmt.Errorf("invalid failure_policy %q", dsl.FailurePolicy))
	}
	if dsl.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative"))
	}
	errs = append(errs, v.validateRetry("defaults.retry", dsl.Defaults.Retry)...)

	// 收集所有节点 ID
	nodeIDs := make(map[string]bool, len(dsl.Nodes))
	for _, node := range dsl.Nodes {
		if node.ID == "" {
			errs = append(errs, fmt.Errorf("node ID is required"))
			continue
		}
		if nodeIDs[node.ID] {
			errs = append(errs, fmt.Errorf("duplicate node ID: %s", node.ID))
		}
		nodeIDs[node.ID] = true
	}

	for _, node := range dsl.Nodes {
		errs = append(errs, v.validateNode(&node, nodeIDs)...)
	}
	for _, e := range dsl.Edges {
		if !nodeIDs[e.From] {
			errs = append(errs, fmt.Errorf("edge %s references unknown node %q", e, e.From))
		}
		if !nodeIDs[e.To] {
			errs = append(errs, fmt.Errorf("edge %s references unknown node %q", e, e.To))
		}
	}

	for name, def := range dsl.Variables {
		if def.Required && def.Default == nil {
			errs = append(errs, fmt.Errorf("variable %q is required but has no default", name))
		}
	}

	return errs
}

func (v *Validator) validateNode(node *NodeDef, nodeIDs map[string]bool) []error {
	var errs []error
	prefix := fmt.Sprintf("node %q", node.ID)

	if node.Type == "" {
		errs = append(errs, fmt.Errorf("%s: type is required", prefix))
	}
	if node.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("%s: timeout_ms must not be negative", prefix))
	}
	for _, dep := range node.DependsOn {
		if !nodeIDs[dep] {
			errs = append(errs, fmt.Errorf("%s: depends_on references unknown node %q", prefix, dep))
		}
	}
	for _, next := range node.Next {
		if !nodeIDs[next] {
			errs = append(errs, fmt.Errorf("%s: next references unknown node %q", prefix, next))
		}
	}
	errs = append(errs, v.validateRetry(prefix+".retry", node.Retry)...)
	return errs
}

func (v *Validator) validateRetry(field string, p *workflow.RetryPolicy) []error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s: max_attempts must not be negative", field))
	}
	if p.BaseDelayMs < 0 || p.MaxDelayMs < 0 {
		errs = append(errs, fmt.Errorf("%s: delays must not be negative", field))
	}
	switch p.Strategy {
	case "", workflow.BackoffFullJitter, workflow.BackoffEqualJitter, workflow.BackoffExponential, workflow.BackoffFixed:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown strategy %q", field, p.Strategy))
	}
	return errs
}

// ValidateChain 验证链定义：结构、条件表达式可编译、字段映射完整
func (v *Validator) ValidateChain(chain *workflow.Chain) []error {
	if err := chain.Validate(); err != nil {
		return []error{err}
	}
	var errs []error
	for i, step := range chain.Steps {
		if _, err := Compile(step.Condition); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i, err))
		}
		seen := make(map[string]bool, len(step.Mapping))
		for _, m := range step.Mapping {
			switch {
			case m.To == "":
				errs = append(errs, fmt.Errorf("step %d: mapping target is required", i))
			case seen[m.To]:
				errs = append(errs, fmt.Errorf("step %d: duplicate mapping target %q", i, m.To))
			}
			seen[m.To] = true
			if (m.From == "") == (m.Value == nil) {
				errs = append(errs, fmt.Errorf("step %d: mapping %q needs exactly one of from or value", i, m.To))
			}
		}
	}
	return errs
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return &workflow.ValidationError{Reason: "validation errors: " + strings.Join(msgs, "; ")}
}
