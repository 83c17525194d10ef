package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\}`)

// ParamError reports a parameter reference that cannot be resolved.
type ParamError struct {
	NodeID string
	Ref    string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("node %s: cannot resolve %q: %s", e.NodeID, e.Ref, e.Reason)
}

// ResolveParams substitutes references in a node's params.
//
//	"${fetch.price}"        -> raw value of output key "price" of node "fetch"
//	"${input.url}"          -> raw value of workflow input "url"
//	"$site"                 -> workflow input "site", left as-is when absent
//	"total: ${sum.value}"   -> string interpolation
//
// The root "input" is reserved for the workflow input.
func ResolveParams(nodeID string, params map[string]any, input map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	r := &resolver{nodeID: nodeID, input: input, outputs: outputs}
	out, err := r.value(params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

type resolver struct {
	nodeID  string
	input   map[string]any
	outputs map[string]map[string]any
}

func (r *resolver) value(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.str(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) str(s string) (any, error) {
	if m := refPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return r.lookup(s[m[2]:m[3]])
	}
	if refPattern.MatchString(s) {
		var firstErr error
		out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
			v, err := r.lookup(ref[2 : len(ref)-1])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return ref
			}
			return fmt.Sprint(v)
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return out, nil
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 && !strings.ContainsAny(s, " {}") {
		name := strings.TrimPrefix(s[1:], "input.")
		if v, ok := lookupPath(r.input, strings.Split(name, ".")); ok {
			return v, nil
		}
	}
	return s, nil
}

func (r *resolver) lookup(ref string) (any, error) {
	parts := strings.Split(ref, ".")
	if parts[0] == "input" {
		v, ok := lookupPath(r.input, parts[1:])
		if !ok {
			return nil, &ParamError{NodeID: r.nodeID, Ref: ref, Reason: "workflow input has no such key"}
		}
		return v, nil
	}
	out, ok := r.outputs[parts[0]]
	if !ok {
		return nil, &ParamError{NodeID: r.nodeID, Ref: ref, Reason: "no output recorded for node " + parts[0]}
	}
	if len(parts) == 1 {
		return out, nil
	}
	v, ok := lookupPath(out, parts[1:])
	if !ok {
		return nil, &ParamError{NodeID: r.nodeID, Ref: ref, Reason: "output has no such key"}
	}
	return v, nil
}

// lookupPath walks nested maps; an empty path returns the map itself.
func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, p := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	if cur == nil && len(path) == 0 && m == nil {
		return nil, false
	}
	return cur, true
}
