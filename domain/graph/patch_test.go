package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daygraph-backend/domain/graph"
)

func TestNodePatch_PropertiesAuditValuesAreDeterministic(t *testing.T) {
	node := &graph.Node{
		ID:         "n1",
		Kind:       graph.KindEntity,
		Label:      "note",
		Properties: map[string]string{"b": "2", "a": "1"},
	}
	props := map[string]string{"c": "3", "a": "1"}

	changes := graph.NodePatch{Properties: &props}.Apply(node)

	var change *graph.FieldChange
	for i := range changes {
		if changes[i].Field == "properties" {
			change = &changes[i]
		}
	}
	require.NotNil(t, change)
	// Keys serialize sorted regardless of map insertion order.
	assert.Equal(t, `{"a":"1","b":"2"}`, change.OldValue)
	assert.Equal(t, `{"a":"1","c":"3"}`, change.NewValue)
	assert.Equal(t, props, node.Properties)
}

func TestEdgePatch_PropertiesAuditValuesAreDeterministic(t *testing.T) {
	edge := &graph.Edge{
		ID:            "e1",
		RelationLabel: "references",
		Properties:    map[string]string{"z": "last", "m": "mid", "a": "first"},
	}
	empty := map[string]string{}

	changes := graph.EdgePatch{Properties: &empty}.Apply(edge)

	var change *graph.FieldChange
	for i := range changes {
		if changes[i].Field == "properties" {
			change = &changes[i]
		}
	}
	require.NotNil(t, change)
	assert.Equal(t, `{"a":"first","m":"mid","z":"last"}`, change.OldValue)
	assert.Equal(t, `{}`, change.NewValue)
}
