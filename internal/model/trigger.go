package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NodeKind tags the variant held by a TriggerNode.
type NodeKind string

const (
	NodeAll       NodeKind = "all"
	NodeAny       NodeKind = "any"
	NodeNot       NodeKind = "not"
	NodePredicate NodeKind = "predicate"
)

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "notEquals"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpNotExists Operator = "notExists"
)

var operators = map[Operator]bool{
	OpEquals:    true,
	OpNotEquals: true,
	OpGT:        true,
	OpGTE:       true,
	OpLT:        true,
	OpLTE:       true,
	OpContains:  true,
	OpExists:    true,
	OpNotExists: true,
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool { return operators[o] }

// NeedsValue reports whether the operator compares against a value.
// exists/notExists test presence only.
func (o Operator) NeedsValue() bool {
	return o != OpExists && o != OpNotExists
}

// Operators returns the known operators in lexical order.
func Operators() []string {
	out := make([]string, 0, len(operators))
	for op := range operators {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}

// TriggerNode is a node of a rule's boolean expression tree.
//
// Exactly one variant is populated, selected by Kind:
//   - NodeAll / NodeAny: Children
//   - NodeNot: Child
//   - NodePredicate: Path, Op, Value
//
// The zero value is the empty tree, which rule validation rejects.
type TriggerNode struct {
	Kind     NodeKind
	Children []TriggerNode
	Child    *TriggerNode
	Path     string
	Op       Operator
	Value    any
}

// All builds a conjunction.
func All(children ...TriggerNode) TriggerNode {
	if children == nil {
		children = []TriggerNode{}
	}
	return TriggerNode{Kind: NodeAll, Children: children}
}

// Any builds a disjunction.
func Any(children ...TriggerNode) TriggerNode {
	if children == nil {
		children = []TriggerNode{}
	}
	return TriggerNode{Kind: NodeAny, Children: children}
}

// Not negates child.
func Not(child TriggerNode) TriggerNode {
	return TriggerNode{Kind: NodeNot, Child: &child}
}

// Predicate builds a path-operator-value leaf.
func Predicate(path string, op Operator, value any) TriggerNode {
	return TriggerNode{Kind: NodePredicate, Path: path, Op: op, Value: value}
}

// IsEmpty reports whether the node carries no condition at all: the zero
// node, or a root all/any with no children.
func (n TriggerNode) IsEmpty() bool {
	switch n.Kind {
	case "":
		return true
	case NodeAll, NodeAny:
		return len(n.Children) == 0
	default:
		return false
	}
}

type predicateJSON struct {
	Path  string   `json:"path"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

// MarshalJSON encodes the node in its wire form:
// {"all":[...]}, {"any":[...]}, {"not":{...}} or {"path","op","value"}.
func (n TriggerNode) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case "":
		return []byte("{}"), nil
	case NodeAll, NodeAny:
		children := n.Children
		if children == nil {
			children = []TriggerNode{}
		}
		return json.Marshal(map[string][]TriggerNode{string(n.Kind): children})
	case NodeNot:
		if n.Child == nil {
			return []byte(`{"not":{}}`), nil
		}
		return json.Marshal(map[string]TriggerNode{"not": *n.Child})
	case NodePredicate:
		return json.Marshal(predicateJSON{Path: n.Path, Op: n.Op, Value: n.Value})
	default:
		return nil, fmt.Errorf("trigger: unknown node kind %q", n.Kind)
	}
}

// UnmarshalJSON decodes the wire form. Unknown keys, mixed variants and
// unknown operators are rejected so malformed rules fail at save time.
// An empty object or null decodes to the empty tree.
func (n *TriggerNode) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*n = TriggerNode{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("trigger: node must be an object: %w", err)
	}
	if len(raw) == 0 {
		*n = TriggerNode{}
		return nil
	}

	for _, kind := range []NodeKind{NodeAll, NodeAny} {
		body, ok := raw[string(kind)]
		if !ok {
			continue
		}
		if len(raw) != 1 {
			return fmt.Errorf("trigger: %q node must not have sibling keys (got %s)", kind, keyList(raw))
		}
		var children []TriggerNode
		if err := json.Unmarshal(body, &children); err != nil {
			return fmt.Errorf("trigger: %s: %w", kind, err)
		}
		if children == nil {
			children = []TriggerNode{}
		}
		*n = TriggerNode{Kind: kind, Children: children}
		return nil
	}

	if body, ok := raw["not"]; ok {
		if len(raw) != 1 {
			return fmt.Errorf("trigger: \"not\" node must not have sibling keys (got %s)", keyList(raw))
		}
		var child TriggerNode
		if err := json.Unmarshal(body, &child); err != nil {
			return fmt.Errorf("trigger: not: %w", err)
		}
		*n = TriggerNode{Kind: NodeNot, Child: &child}
		return nil
	}

	for k := range raw {
		if k != "path" && k != "op" && k != "value" {
			return fmt.Errorf("trigger: unknown key %q", k)
		}
	}
	var p predicateJSON
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("trigger: predicate: %w", err)
	}
	if !p.Op.Valid() {
		return fmt.Errorf("trigger: unknown operator %q", p.Op)
	}
	*n = TriggerNode{Kind: NodePredicate, Path: p.Path, Op: p.Op, Value: p.Value}
	return nil
}

func keyList(raw map[string]json.RawMessage) string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
