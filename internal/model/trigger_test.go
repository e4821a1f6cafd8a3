package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/model"
)

func TestTriggerNode_UnmarshalWireForms(t *testing.T) {
	raw := `{"all":[
		{"path":"claim.status","op":"equals","value":"open"},
		{"any":[
			{"path":"photos.length","op":"lt","value":3},
			{"not":{"path":"inspections[0].completedAt","op":"exists"}}
		]}
	]}`

	var n model.TriggerNode
	require.NoError(t, json.Unmarshal([]byte(raw), &n))

	assert.Equal(t, model.NodeAll, n.Kind)
	require.Len(t, n.Children, 2)
	assert.Equal(t, model.NodePredicate, n.Children[0].Kind)
	assert.Equal(t, "claim.status", n.Children[0].Path)
	assert.Equal(t, model.OpEquals, n.Children[0].Op)
	assert.Equal(t, "open", n.Children[0].Value)

	anyNode := n.Children[1]
	assert.Equal(t, model.NodeAny, anyNode.Kind)
	require.Len(t, anyNode.Children, 2)
	assert.Equal(t, float64(3), anyNode.Children[0].Value)

	notNode := anyNode.Children[1]
	assert.Equal(t, model.NodeNot, notNode.Kind)
	require.NotNil(t, notNode.Child)
	assert.Equal(t, model.OpExists, notNode.Child.Op)
}

func TestTriggerNode_RoundTrip(t *testing.T) {
	orig := model.All(
		model.Predicate("claim.carrier", model.OpEquals, "Acme Mutual"),
		model.Not(model.Any(model.Predicate("supplements.length", model.OpGT, float64(0)))),
	)
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got model.TriggerNode
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, orig, got)
}

func TestTriggerNode_UnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"unknown operator", `{"path":"claim.status","op":"matches","value":"x"}`, "unknown operator"},
		{"unknown key", `{"path":"claim.status","op":"equals","weight":2}`, "unknown key"},
		{"mixed variants", `{"all":[],"path":"claim.status"}`, "sibling keys"},
		{"not with sibling", `{"not":{},"any":[]}`, "sibling keys"},
		{"not an object", `[1,2]`, "must be an object"},
		{"children not a list", `{"any":{"path":"x"}}`, "any"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n model.TriggerNode
			err := json.Unmarshal([]byte(tt.raw), &n)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTriggerNode_IsEmpty(t *testing.T) {
	var fromNull, fromEmpty model.TriggerNode
	require.NoError(t, json.Unmarshal([]byte(`null`), &fromNull))
	require.NoError(t, json.Unmarshal([]byte(`{}`), &fromEmpty))

	assert.True(t, fromNull.IsEmpty())
	assert.True(t, fromEmpty.IsEmpty())
	assert.True(t, model.All().IsEmpty())
	assert.True(t, model.Any().IsEmpty())
	assert.False(t, model.Predicate("claim.status", model.OpExists, nil).IsEmpty())
	assert.False(t, model.Not(model.All()).IsEmpty())
}

func TestOperators_Sorted(t *testing.T) {
	ops := model.Operators()
	assert.Len(t, ops, 9)
	assert.IsIncreasing(t, ops)
	assert.False(t, model.OpExists.NeedsValue())
	assert.True(t, model.OpContains.NeedsValue())
}
