package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BaSui01/taskflow/workflow"
	"gopkg.in/yaml.v3"
)

// Parser DSL 解析器。YAML 是 JSON 的超集，两种格式走同一条路径。
type Parser struct {
	validator *Validator
	strict    bool
}

// NewParser 创建 DSL 解析器
func NewParser() *Parser {
	return &Parser{validator: NewValidator(), strict: true}
}

// AllowUnknownFields 关闭未知字段检查
func (p *Parser) AllowUnknownFields() *Parser {
	p.strict = false
	return p
}

// ParseDefinition 用默认解析器解析工作流定义
func ParseDefinition(data []byte) (*workflow.Definition, error) {
	return NewParser().Parse(data)
}

// ParseChain 用默认解析器解析链定义
func ParseChain(data []byte) (*workflow.Chain, error) {
	return NewParser().ParseChain(data)
}

// ParseFile 从文件解析工作流定义
func (p *Parser) ParseFile(filename string) (*workflow.Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	return p.Parse(data)
}

// Parse 解析工作流定义。结构错误返回 *workflow.ValidationError，
// 环返回 *workflow.CycleDetectedError。
func (p *Parser) Parse(data []byte) (*workflow.Definition, error) {
	var dsl WorkflowDSL
	if err := p.decode(data, &dsl); err != nil {
		return nil, err
	}

	// 1. 验证 DSL
	if err := joinErrors(p.validator.Validate(&dsl)); err != nil {
		return nil, err
	}

	// 2. 构建定义并做拓扑检查
	def := p.buildDefinition(&dsl)
	if _, err := workflow.BuildLevels(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseChainFile 从文件解析链定义
func (p *Parser) ParseChainFile(filename string) (*workflow.Chain, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	return p.ParseChain(data)
}

// ParseChain 解析链定义，条件表达式在这里编译一次以尽早报错
func (p *Parser) ParseChain(data []byte) (*workflow.Chain, error) {
	var chain workflow.Chain
	if err := p.decode(data, &chain); err != nil {
		return nil, err
	}
	if err := joinErrors(p.validator.ValidateChain(&chain)); err != nil {
		return nil, err
	}
	return &chain, nil
}

func (p *Parser) decode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(p.strict)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &workflow.ValidationError{Reason: "empty document"}
		}
		return &workflow.ValidationError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	return nil
}

func (p *Parser) buildDefinition(dsl *WorkflowDSL) *workflow.Definition {
	vars := resolveVariables(dsl.Variables)

	def := &workflow.Definition{
		ID:            dsl.ID,
		Name:          dsl.Name,
		Description:   dsl.Description,
		Defaults:      dsl.Defaults,
		FailurePolicy: dsl.FailurePolicy,
		Concurrency:   dsl.Concurrency,
		Metadata:      dsl.Metadata,
	}

	seen := make(map[workflow.Dependency]bool)
	addEdge := func(from, to string) {
		e := workflow.Dependency{From: from, To: to}
		if !seen[e] {
			seen[e] = true
			def.Edges = append(def.Edges, e)
		}
	}

	for _, n := range dsl.Nodes {
		def.Nodes = append(def.Nodes, workflow.TaskNode{
			ID:          n.ID,
			Type:        n.Type,
			Params:      interpolateMap(n.Params, vars),
			TimeoutMs:   n.TimeoutMs,
			Retry:       n.Retry,
			Description: n.Description,
		})
		for _, dep := range n.DependsOn {
			addEdge(dep, n.ID)
		}
		for _, next := range n.Next {
			addEdge(n.ID, next)
		}
	}
	for _, e := range dsl.Edges {
		addEdge(e.From, e.To)
	}
	return def
}

// resolveVariables 解析变量默认值
func resolveVariables(defs map[string]VariableDef) map[string]any {
	vars := make(map[string]any, len(defs))
	for name, def := range defs {
		if def.Default != nil {
			vars[name] = def.Default
		}
	}
	return vars
}

func interpolateMap(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolate(v, vars)
	}
	return out
}

// interpolate 替换 {{name}}；整个字符串就是一个占位符时保留变量的原始类型
func interpolate(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "{{") && strings.HasSuffix(val, "}}") && strings.Count(val, "{{") == 1 {
			if rv, ok := vars[strings.TrimSpace(val[2:len(val)-2])]; ok {
				return rv
			}
		}
		for name, value := range vars {
			val = strings.ReplaceAll(val, "{{"+name+"}}", fmt.Sprint(value))
		}
		return val
	case map[string]any:
		return interpolateMap(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolate(item, vars)
		}
		return out
	default:
		return v
	}
}

// Marshal 把定义序列化为 DSL YAML，依赖统一写成 depends_on
func Marshal(def *workflow.Definition) ([]byte, error) {
	preds := def.Predecessors()
	dsl := WorkflowDSL{
		Version:       "1",
		ID:            def.ID,
		Name:          def.Name,
		Description:   def.Description,
		FailurePolicy: def.FailurePolicy,
		Concurrency:   def.Concurrency,
		Defaults:      def.Defaults,
		Metadata:      def.Metadata,
	}
	for _, n := range def.Nodes {
		dsl.Nodes = append(dsl.Nodes, NodeDef{
			ID:          n.ID,
			Type:        n.Type,
			Description: n.Description,
			Params:      n.Params,
			TimeoutMs:   n.TimeoutMs,
			Retry:       n.Retry,
			DependsOn:   preds[n.ID],
		})
	}
	return yaml.Marshal(&dsl)
}

// CompileChain 编译链中每一步的条件，下标与 Steps 对应
func CompileChain(chain *workflow.Chain) ([]*Predicate, error) {
	out := make([]*Predicate, len(chain.Steps))
	for i, step := range chain.Steps {
		pred, err := Compile(step.Condition)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out[i] = pred
	}
	return out, nil
}
