package dsl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Predicate is a compiled condition. It is safe for concurrent use.
//
// Grammar:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := not ("&&" not)*
//	not     := "!" not | cmp
//	cmp     := operand (("=="|"!="|">"|"<"|">="|"<=") operand | "in" list)?
//	operand := number | string | true | false | null | path | exists(path) | "(" expr ")"
//	list    := "[" (operand ("," operand)*)? "]" | path
//
// Ordering needs two numbers or two strings; == across types is false;
// && || ! need booleans. Nothing else is callable.
type Predicate struct {
	src  string
	root node
}

// TypeError is returned by Eval when operands have the wrong types.
type TypeError struct {
	Expr   string
	Reason string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Expr, e.Reason)
}

// SyntaxError is returned by Compile.
type SyntaxError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at position %d", e.Expr, e.Reason, e.Pos)
}

// Compile parses expr. An empty expression compiles to a predicate that is always true.
func Compile(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Predicate{root: literal{v: true}}, nil
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{src: expr, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil {
		return nil, &SyntaxError{Expr: expr, Pos: t.pos, Reason: fmt.Sprintf("unexpected token %q", t.value)}
	}
	return &Predicate{src: expr, root: root}, nil
}

// MustCompile is Compile that panics.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source expression.
func (p *Predicate) String() string { return p.src }

// Eval evaluates the predicate. The result must be a boolean.
func (p *Predicate) Eval(vars map[string]any) (bool, error) {
	v, err := p.root.eval(&env{src: p.src, vars: vars})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &TypeError{Expr: p.src, Reason: fmt.Sprintf("result is %s, not bool", typeName(v))}
	}
	return b, nil
}

// Evaluate compiles and evaluates in one step.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	p, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return p.Eval(vars)
}

// --- Tokens ---

type tokenKind int

const (
	tkNumber tokenKind = iota // 42, 0.8, -3.14
	tkString                  // "hello" or 'hello'
	tkIdent                   // path, true/false/null, in, exists
	tkOp                      // ==, !=, >, <, >=, <=, &&, ||, !
	tkLParen                  // (
	tkRParen                  // )
	tkLBracket                // [
	tkRBracket                // ]
	tkComma                   // ,
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tkLBracket, "[", i})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tkRBracket, "]", i})
			i++
			continue
		case ',':
			tokens = append(tokens, token{tkComma, ",", i})
			i++
			continue
		case '"', '\'':
			s, n, err := readString(expr, runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = n
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two, i})
				i += 2
				continue
			}
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch), i})
			i++
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1])) {
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num, i})
			i = n
			continue
		}

		if isIdentStart(ch) {
			ident, n := readIdent(runes, i)
			if strings.HasSuffix(ident, ".") || strings.Contains(ident, "..") {
				return nil, &SyntaxError{Expr: expr, Pos: i, Reason: fmt.Sprintf("malformed path %q", ident)}
			}
			tokens = append(tokens, token{tkIdent, ident, i})
			i = n
			continue
		}

		if ch == '=' {
			return nil, &SyntaxError{Expr: expr, Pos: i, Reason: "assignment is not supported; use =="}
		}
		return nil, &SyntaxError{Expr: expr, Pos: i, Reason: fmt.Sprintf("unexpected character %q", string(ch))}
	}

	return tokens, nil
}

func readString(expr string, runes []rune, start int) (string, int, error) {
	quote := runes[start]
	i := start + 1
	var sb strings.Builder
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, &SyntaxError{Expr: expr, Pos: start, Reason: "unterminated string"}
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if i < len(runes) && runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }

// isIdentPart allows '-' so node IDs like extract-1 work in paths.
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' || ch == '-'
}

// --- Parser ---

type exprParser struct {
	src    string
	tokens []token
	pos    int
}

func (p *exprParser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *exprParser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *exprParser) errAt(reason string) error {
	pos := len(p.src)
	if t := p.peek(); t != nil {
		pos = t.pos
	}
	return &SyntaxError{Expr: p.src, Pos: pos, Reason: reason}
}

func (p *exprParser) isOp(op string) bool {
	t := p.peek()
	return t != nil && t.kind == tkOp && t.value == op
}

func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (node, error) {
	if p.isOp("!") {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil {
		return left, nil
	}
	if t.kind == tkOp {
		switch t.value {
		case "==", "!=", ">", "<", ">=", "<=":
			p.advance()
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return compare{op: t.value, left: left, right: right}, nil
		}
	}
	if t.kind == tkIdent && t.value == "in" {
		p.advance()
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return membership{item: left, list: list}, nil
	}
	return left, nil
}

func (p *exprParser) parseList() (node, error) {
	t := p.peek()
	if t != nil && t.kind == tkIdent && !isKeyword(t.value) {
		p.advance()
		return path{parts: strings.Split(t.value, ".")}, nil
	}
	if t == nil || t.kind != tkLBracket {
		return nil, p.errAt("expected list after 'in'")
	}
	p.advance()
	var items []node
	if next := p.peek(); next != nil && next.kind == tkRBracket {
		p.advance()
		return listLit{items: items}, nil
	}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		next := p.peek()
		if next == nil {
			return nil, p.errAt("unterminated list")
		}
		if next.kind == tkComma {
			p.advance()
			continue
		}
		if next.kind == tkRBracket {
			p.advance()
			return listLit{items: items}, nil
		}
		return nil, p.errAt(fmt.Sprintf("unexpected token %q in list", next.value))
	}
}

func (p *exprParser) parseOperand() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, p.errAt("unexpected end of expression")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Reason: "bad number " + t.value}
		}
		return literal{v: f}, nil

	case tkString:
		p.advance()
		return literal{v: t.value}, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "nil":
			return literal{v: nil}, nil
		case "in":
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Reason: "unexpected 'in'"}
		case "exists":
			return p.parseExists(*t)
		}
		if next := p.peek(); next != nil && next.kind == tkLParen {
			return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Reason: fmt.Sprintf("unknown function %q", t.value)}
		}
		return path{parts: strings.Split(t.value, ".")}, nil

	case tkLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if next := p.peek(); next == nil || next.kind != tkRParen {
			return nil, p.errAt("expected closing parenthesis")
		}
		p.advance()
		return inner, nil

	default:
		return nil, &SyntaxError{Expr: p.src, Pos: t.pos, Reason: fmt.Sprintf("unexpected token %q", t.value)}
	}
}

func (p *exprParser) parseExists(fn token) (node, error) {
	if next := p.peek(); next == nil || next.kind != tkLParen {
		return nil, &SyntaxError{Expr: p.src, Pos: fn.pos, Reason: "exists needs (path)"}
	}
	p.advance()
	arg := p.peek()
	if arg == nil || arg.kind != tkIdent || isKeyword(arg.value) {
		return nil, p.errAt("exists takes a single path")
	}
	p.advance()
	if next := p.peek(); next == nil || next.kind != tkRParen {
		return nil, p.errAt("expected ) after exists path")
	}
	p.advance()
	return exists{parts: strings.Split(arg.value, ".")}, nil
}

func isKeyword(s string) bool {
	switch s {
	case "true", "false", "null", "nil", "in", "exists":
		return true
	}
	return false
}

// --- Evaluation ---

type env struct {
	src  string
	vars map[string]any
}

func (e *env) typeErr(format string, args ...any) error {
	return &TypeError{Expr: e.src, Reason: fmt.Sprintf(format, args...)}
}

type node interface {
	eval(e *env) (any, error)
}

type literal struct{ v any }

func (n literal) eval(*env) (any, error) { return n.v, nil }

type path struct{ parts []string }

// A missing path evaluates to null.
func (n path) eval(e *env) (any, error) {
	v, _ := resolve(e.vars, n.parts)
	return normalize(v), nil
}

type exists struct{ parts []string }

func (n exists) eval(e *env) (any, error) {
	_, ok := resolve(e.vars, n.parts)
	return ok, nil
}

type not struct{ inner node }

func (n not) eval(e *env) (any, error) {
	v, err := n.inner.eval(e)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, e.typeErr("! needs bool, got %s", typeName(v))
	}
	return !b, nil
}

type logical struct {
	op          string
	left, right node
}

func (n logical) eval(e *env) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, e.typeErr("%s needs bool operands, got %s", n.op, typeName(lv))
	}
	if n.op == "&&" && !lb {
		return false, nil
	}
	if n.op == "||" && lb {
		return true, nil
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, e.typeErr("%s needs bool operands, got %s", n.op, typeName(rv))
	}
	return rb, nil
}

type compare struct {
	op          string
	left, right node
}

func (n compare) eval(e *env) (any, error) {
	lv, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(lv, rv), nil
	case "!=":
		return !equal(lv, rv), nil
	}

	switch l := lv.(type) {
	case float64:
		r, ok := rv.(float64)
		if !ok {
			return nil, e.typeErr("cannot order %s and %s", typeName(lv), typeName(rv))
		}
		return order(n.op, cmpFloat(l, r)), nil
	case string:
		r, ok := rv.(string)
		if !ok {
			return nil, e.typeErr("cannot order %s and %s", typeName(lv), typeName(rv))
		}
		return order(n.op, strings.Compare(l, r)), nil
	default:
		return nil, e.typeErr("cannot order %s and %s", typeName(lv), typeName(rv))
	}
}

type listLit struct{ items []node }

func (n listLit) eval(e *env) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type membership struct {
	item node
	list node
}

func (n membership) eval(e *env) (any, error) {
	v, err := n.item.eval(e)
	if err != nil {
		return nil, err
	}
	lv, err := n.list.eval(e)
	if err != nil {
		return nil, err
	}
	list, ok := lv.([]any)
	if !ok {
		return nil, e.typeErr("'in' needs a list, got %s", typeName(lv))
	}
	for _, candidate := range list {
		if equal(v, normalize(candidate)) {
			return true, nil
		}
	}
	return false, nil
}

func order(op string, c int) bool {
	switch op {
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	default:
		return c <= 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// equal is strict: values of different types are never equal.
func equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func resolve(vars map[string]any, parts []string) (any, bool) {
	var cur any = vars
	for _, part := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// normalize maps every numeric type onto float64 so comparisons see one number type.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
