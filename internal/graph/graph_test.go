package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(Node{ID: "a", Kind: NodeKindSource}))

	err := g.AddNode(Node{ID: "a", Kind: NodeKindSink})
	require.ErrorIs(t, err, ErrDuplicateNode)
}

func TestAddEdgeRejectsUnknownNode(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(Node{ID: "a", Kind: NodeKindSource}))

	err := g.AddEdge(Edge{From: "a", To: "missing"})
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(Node{ID: "source", Kind: NodeKindSource}))
	require.NoError(t, g.AddNode(Node{ID: "transform", Kind: NodeKindTransform}))
	require.NoError(t, g.AddNode(Node{ID: "sink", Kind: NodeKindSink}))

	require.NoError(t, g.AddEdge(Edge{From: "source", To: "transform"}))
	require.NoError(t, g.AddEdge(Edge{From: "transform", To: "sink"}))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"source", "transform", "sink"}, order)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(Node{ID: "a", Kind: NodeKindTransform}))
	require.NoError(t, g.AddNode(Node{ID: "b", Kind: NodeKindTransform}))

	require.NoError(t, g.AddEdge(Edge{From: "a", To: "b"}))
	require.NoError(t, g.AddEdge(Edge{From: "b", To: "a"}))

	_, err := g.TopologicalOrder()
	require.ErrorIs(t, err, ErrCycle)
}

func TestValidateEdgeCompatibilitySucceedsWhenFieldsSupplied(t *testing.T) {
	g := New()

	producer := Node{
		ID:   "source",
		Kind: NodeKindSource,
		Contract: Contract{
			Tier: ContractFixed,
			Fields: []FieldRecord{
				{NormalizedName: "amount", TypeSpec: "int", Required: true, Provenance: ProvenanceDeclared},
			},
		},
	}

	consumer := Node{
		ID:   "sink",
		Kind: NodeKindSink,
		Contract: Contract{
			Tier: ContractFixed,
			Fields: []FieldRecord{
				{NormalizedName: "amount", TypeSpec: "int", Required: true, Provenance: ProvenanceDeclared},
			},
		},
	}

	require.NoError(t, g.AddNode(producer))
	require.NoError(t, g.AddNode(consumer))
	require.NoError(t, g.AddEdge(Edge{From: "source", To: "sink"}))

	require.NoError(t, g.ValidateEdgeCompatibility())
}

func TestValidateEdgeCompatibilityFailsOnMissingRequiredField(t *testing.T) {
	g := New()

	producer := Node{
		ID:   "source",
		Kind: NodeKindSource,
		Contract: Contract{
			Tier: ContractFixed,
		},
	}

	consumer := Node{
		ID:   "sink",
		Kind: NodeKindSink,
		Contract: Contract{
			Tier: ContractFixed,
			Fields: []FieldRecord{
				{NormalizedName: "amount", TypeSpec: "int", Required: true, Provenance: ProvenanceDeclared},
			},
		},
	}

	require.NoError(t, g.AddNode(producer))
	require.NoError(t, g.AddNode(consumer))
	require.NoError(t, g.AddEdge(Edge{From: "source", To: "sink"}))

	err := g.ValidateEdgeCompatibility()
	require.ErrorIs(t, err, ErrContractMismatch)
}

func TestValidateEdgeCompatibilitySkipsDynamicContracts(t *testing.T) {
	g := New()

	producer := Node{ID: "source", Kind: NodeKindSource, Contract: Contract{Tier: ContractObserved}}
	consumer := Node{
		ID:   "sink",
		Kind: NodeKindSink,
		Contract: Contract{
			Tier:   ContractFixed,
			Fields: []FieldRecord{{NormalizedName: "amount", TypeSpec: "int", Required: true}},
		},
	}

	require.NoError(t, g.AddNode(producer))
	require.NoError(t, g.AddNode(consumer))
	require.NoError(t, g.AddEdge(Edge{From: "source", To: "sink"}))

	require.NoError(t, g.ValidateEdgeCompatibility())
}

func TestValidateEdgeCompatibilityChecksBothSidesOfAggregation(t *testing.T) {
	g := New()

	source := Node{
		ID:   "source",
		Kind: NodeKindSource,
		Contract: Contract{
			Tier:   ContractFixed,
			Fields: []FieldRecord{{NormalizedName: "amount", TypeSpec: "int", Required: true}},
		},
	}

	agg := Node{
		ID:   "aggregate",
		Kind: NodeKindAggregation,
		Input: Contract{
			Tier:   ContractFixed,
			Fields: []FieldRecord{{NormalizedName: "amount", TypeSpec: "int", Required: true}},
		},
		Output: Contract{
			Tier:   ContractFixed,
			Fields: []FieldRecord{{NormalizedName: "total", TypeSpec: "int", Required: true}},
		},
	}

	sink := Node{
		ID:   "sink",
		Kind: NodeKindSink,
		Contract: Contract{
			Tier:   ContractFixed,
			Fields: []FieldRecord{{NormalizedName: "total", TypeSpec: "int", Required: true}},
		},
	}

	require.NoError(t, g.AddNode(source))
	require.NoError(t, g.AddNode(agg))
	require.NoError(t, g.AddNode(sink))
	require.NoError(t, g.AddEdge(Edge{From: "source", To: "aggregate"}))
	require.NoError(t, g.AddEdge(Edge{From: "aggregate", To: "sink"}))

	require.NoError(t, g.ValidateEdgeCompatibility())
}
