// Package template renders {{ path }} interpolation expressions over
// JSON-like values. Templates are parsed once into a fixed AST (map, list,
// string, scalar and expression nodes) so repeated rendering never re-lexes
// the source.
//
// Rendering rules:
//   - An expression is a dotted path; each segment resolves as a map key,
//     a numeric list index, or an exported struct field, in that order.
//   - A string equal to a single token yields the resolved value with its
//     type preserved. A resolved string is additionally coerced: "null" and
//     "none" become nil, "true"/"false" become bools, numeric literals
//     become int64 then float64, anything else stays a string.
//   - A string with embedded tokens renders to a string. Numbers and bools
//     stringify, maps and lists JSON-encode at the substitution site, and
//     nil renders as the empty string.
//   - Unresolvable paths yield a domain.TemplateError with MissingKey set.
package template

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/socialboost/fulfillment/domain"
)

// tokenPattern matches one {{ expr }} token with surrounding whitespace
// tolerated inside the braces.
var tokenPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

type (
	// Node is a parsed template fragment. Render evaluates it against a
	// context tree.
	Node interface {
		Render(ctx map[string]any) (any, error)
	}

	// literalNode passes a scalar through untouched.
	literalNode struct {
		value any
	}

	// exprNode is a string consisting of exactly one token. Rendering
	// preserves the type of the resolved value.
	exprNode struct {
		path []string
		expr string
	}

	// stringNode is a string with embedded tokens interleaved with text.
	stringNode struct {
		parts []part
	}

	// mapNode renders each value node under its key.
	mapNode struct {
		entries map[string]Node
	}

	// listNode renders each element node in order.
	listNode struct {
		elems []Node
	}

	// part is one segment of a stringNode: literal text or an expression.
	part struct {
		text string
		expr *exprNode
	}
)

// Parse builds the AST for a JSON-like value (map, list, string, number,
// bool, nil). It fails on invalid expressions such as pipes.
func Parse(v any) (Node, error) {
	switch tv := v.(type) {
	case nil, bool, int, int64, float64, json.Number:
		return literalNode{value: v}, nil
	case string:
		return parseString(tv)
	case map[string]any:
		entries := make(map[string]Node, len(tv))
		for k, val := range tv {
			node, err := Parse(val)
			if err != nil {
				return nil, err
			}
			entries[k] = node
		}
		return mapNode{entries: entries}, nil
	case []any:
		elems := make([]Node, len(tv))
		for i, val := range tv {
			node, err := Parse(val)
			if err != nil {
				return nil, err
			}
			elems[i] = node
		}
		return listNode{elems: elems}, nil
	default:
		// Non-JSON scalar (e.g. a struct snapshot); treat as literal.
		return literalNode{value: v}, nil
	}
}

// Render parses v and evaluates it against ctx in one call. Use Parse to
// amortize parsing across repeated renders.
func Render(v any, ctx map[string]any) (any, error) {
	node, err := Parse(v)
	if err != nil {
		return nil, err
	}
	return node.Render(ctx)
}

// ContainsToken reports whether s contains at least one {{ }} token.
func ContainsToken(s string) bool {
	return tokenPattern.MatchString(s)
}

func parseString(s string) (Node, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return literalNode{value: s}, nil
	}
	// Single-token string: the whole value, modulo surrounding whitespace,
	// is one expression.
	if len(matches) == 1 {
		m := matches[0]
		if strings.TrimSpace(s[:m[0]]) == "" && strings.TrimSpace(s[m[1]:]) == "" &&
			strings.TrimSpace(s) == s[m[0]:m[1]] {
			expr, err := parseExpr(s[m[2]:m[3]])
			if err != nil {
				return nil, err
			}
			return *expr, nil
		}
	}
	var parts []part
	last := 0
	for _, m := range matches {
		if m[0] > last {
			parts = append(parts, part{text: s[last:m[0]]})
		}
		expr, err := parseExpr(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		parts = append(parts, part{expr: expr})
		last = m[1]
	}
	if last < len(s) {
		parts = append(parts, part{text: s[last:]})
	}
	return stringNode{parts: parts}, nil
}

func parseExpr(expr string) (*exprNode, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &domain.TemplateError{Expr: expr, Message: "empty expression"}
	}
	if strings.Contains(expr, "|") {
		return nil, &domain.TemplateError{Expr: expr, Message: "filters are not supported"}
	}
	segments := strings.Split(expr, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, &domain.TemplateError{Expr: expr, Message: "empty path segment"}
		}
	}
	return &exprNode{path: segments, expr: expr}, nil
}

func (n literalNode) Render(map[string]any) (any, error) { return n.value, nil }

func (n exprNode) Render(ctx map[string]any) (any, error) {
	v, err := resolve(ctx, n.path, n.expr)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		return coerceScalar(s), nil
	}
	return v, nil
}

func (n stringNode) Render(ctx map[string]any) (any, error) {
	var b strings.Builder
	for _, p := range n.parts {
		if p.expr == nil {
			b.WriteString(p.text)
			continue
		}
		v, err := resolve(ctx, p.expr.path, p.expr.expr)
		if err != nil {
			return nil, err
		}
		s, err := stringify(v)
		if err != nil {
			return nil, &domain.TemplateError{Expr: p.expr.expr, Message: err.Error()}
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func (n mapNode) Render(ctx map[string]any) (any, error) {
	out := make(map[string]any, len(n.entries))
	for k, node := range n.entries {
		v, err := node.Render(ctx)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (n listNode) Render(ctx map[string]any) (any, error) {
	out := make([]any, len(n.elems))
	for i, node := range n.elems {
		v, err := node.Render(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolve walks the dotted path through the context tree.
func resolve(ctx map[string]any, path []string, expr string) (any, error) {
	var cur any = ctx
	for _, seg := range path {
		next, ok := step(cur, seg)
		if !ok {
			return nil, &domain.TemplateError{Expr: expr, MissingKey: true}
		}
		cur = next
	}
	return cur, nil
}

// step resolves one path segment: map key, then list index, then exported
// struct field.
func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		f := rv.FieldByName(seg)
		if !f.IsValid() {
			f = rv.FieldByName(strings.ToUpper(seg[:1]) + seg[1:])
		}
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	}
	return nil, false
}

// stringify renders a resolved value at an embedded substitution site.
func stringify(v any) (string, error) {
	switch tv := v.(type) {
	case nil:
		return "", nil
	case string:
		return tv, nil
	case bool:
		return strconv.FormatBool(tv), nil
	case int:
		return strconv.Itoa(tv), nil
	case int64:
		return strconv.FormatInt(tv, 10), nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	case json.Number:
		return tv.String(), nil
	case map[string]any, []any:
		buf, err := json.Marshal(tv)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		buf, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv), nil
		}
		return string(buf), nil
	}
}

// coerceScalar applies single-token scalar coercion to a resolved string.
func coerceScalar(s string) any {
	switch strings.ToLower(s) {
	case "null", "none":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
