// Package trigger validates and evaluates rule trigger trees against a
// FactMap. Evaluation is pure and safe to run concurrently for many rules
// over the same facts.
package trigger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/shinsa/internal/facts"
	"github.com/ashita-ai/shinsa/internal/model"
)

// Structural bounds. Trees beyond them are rejected at save time and
// skipped at evaluation time.
const (
	MaxDepth = 32
	MaxNodes = 512
)

// ValidationError reports a malformed trigger and where in the tree it is.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trigger: %s: %s", e.Path, e.Reason)
}

// Validate checks the tree structure. The root path is "trigger".
func Validate(n model.TriggerNode) error {
	return ValidateAt("trigger", n)
}

// ValidateAt is Validate with a caller-chosen root path, so errors can be
// reported relative to the enclosing document (e.g. "rule.trigger").
func ValidateAt(root string, n model.TriggerNode) error {
	if n.IsEmpty() {
		return &ValidationError{Path: root, Reason: "trigger must contain at least one condition"}
	}
	count := 0
	return validate(n, root, 1, &count)
}

func validate(n model.TriggerNode, path string, depth int, count *int) error {
	if depth > MaxDepth {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("tree exceeds maximum depth of %d", MaxDepth)}
	}
	*count++
	if *count > MaxNodes {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("tree exceeds maximum of %d nodes", MaxNodes)}
	}

	switch n.Kind {
	case "":
		return &ValidationError{Path: path, Reason: "empty node"}
	case model.NodeAll, model.NodeAny:
		for i, c := range n.Children {
			if err := validate(c, fmt.Sprintf("%s.%s[%d]", path, n.Kind, i), depth+1, count); err != nil {
				return err
			}
		}
		return nil
	case model.NodeNot:
		if n.Child == nil {
			return &ValidationError{Path: path + ".not", Reason: "not requires exactly one child"}
		}
		return validate(*n.Child, path+".not", depth+1, count)
	case model.NodePredicate:
		return validatePredicate(n, path)
	default:
		return &ValidationError{Path: path, Reason: fmt.Sprintf("unknown node kind %q", n.Kind)}
	}
}

func validatePredicate(n model.TriggerNode, path string) error {
	if strings.TrimSpace(n.Path) == "" {
		return &ValidationError{Path: path + ".path", Reason: "path is required"}
	}
	if !n.Op.Valid() {
		return &ValidationError{Path: path + ".op", Reason: fmt.Sprintf("unknown operator %q (want one of %s)", n.Op, strings.Join(model.Operators(), ", "))}
	}
	if !n.Op.NeedsValue() {
		return nil
	}
	if n.Value == nil {
		return &ValidationError{Path: path + ".value", Reason: fmt.Sprintf("operator %q requires a value", n.Op)}
	}
	switch n.Op {
	case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
		if _, ok := toFloat(n.Value); !ok {
			return &ValidationError{Path: path + ".value", Reason: fmt.Sprintf("operator %q requires a numeric value", n.Op)}
		}
	}
	return nil
}

// Evaluate reports whether the tree matches the facts. It never fails:
// absent or mistyped values make a predicate false. Nodes deeper than
// MaxDepth evaluate to false.
func Evaluate(n model.TriggerNode, fm facts.FactMap) bool {
	return eval(n, fm, 1)
}

func eval(n model.TriggerNode, fm facts.FactMap, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	switch n.Kind {
	case model.NodeAll:
		for _, c := range n.Children {
			if !eval(c, fm, depth+1) {
				return false
			}
		}
		return true
	case model.NodeAny:
		for _, c := range n.Children {
			if eval(c, fm, depth+1) {
				return true
			}
		}
		return false
	case model.NodeNot:
		if n.Child == nil {
			return false
		}
		return !eval(*n.Child, fm, depth+1)
	case model.NodePredicate:
		return evalPredicate(n, fm)
	default:
		return false
	}
}

func evalPredicate(n model.TriggerNode, fm facts.FactMap) bool {
	// Facts from an entity that failed to load never match, not even
	// notExists: absence there means "unknown", not "missing".
	if fm.Unavailable(n.Path) {
		return false
	}
	v, ok := fm.Lookup(n.Path)
	switch n.Op {
	case model.OpExists:
		return ok
	case model.OpNotExists:
		return !ok
	}
	if !ok {
		return false
	}

	switch n.Op {
	case model.OpEquals:
		return equal(v, n.Value)
	case model.OpNotEquals:
		return !equal(v, n.Value)
	case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
		a, okA := toFloat(v)
		b, okB := toFloat(n.Value)
		if !okA || !okB {
			return false
		}
		switch n.Op {
		case model.OpGT:
			return a > b
		case model.OpGTE:
			return a >= b
		case model.OpLT:
			return a < b
		default:
			return a <= b
		}
	case model.OpContains:
		return contains(v, n.Value)
	default:
		return false
	}
}

// equal compares numerically when either side is a number and both parse,
// booleans by value, and everything else by string form.
func equal(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		x, okX := toFloat(a)
		y, okY := toFloat(b)
		if okX && okY {
			return x == y
		}
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		return ok && x == y
	}
	if _, ok := b.(bool); ok {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			s = fmt.Sprint(needle)
		}
		return strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Paths returns the distinct fact paths a tree references, sorted.
func Paths(n model.TriggerNode) []string {
	seen := map[string]bool{}
	collect(n, seen, 1)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collect(n model.TriggerNode, seen map[string]bool, depth int) {
	if depth > MaxDepth {
		return
	}
	switch n.Kind {
	case model.NodeAll, model.NodeAny:
		for _, c := range n.Children {
			collect(c, seen, depth+1)
		}
	case model.NodeNot:
		if n.Child != nil {
			collect(*n.Child, seen, depth+1)
		}
	case model.NodePredicate:
		if n.Path != "" {
			seen[n.Path] = true
		}
	}
}

// Matched returns the referenced paths that are present in the facts.
// Explanations use it to show which facts a fired rule looked at.
func Matched(n model.TriggerNode, fm facts.FactMap) []string {
	var out []string
	for _, p := range Paths(n) {
		if _, ok := fm.Lookup(p); ok {
			out = append(out, p)
		}
	}
	return out
}
