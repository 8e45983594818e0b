// Package graph implements the pipeline's typed DAG: nodes, edges, and
// the schema-contract compatibility check run before a pipeline starts.
// It is pure and dependency-free — no storage coupling — consumed by
// internal/orchestrator and cmd/auditpipe the way a small read-model
// package is consumed by its callers.
package graph

// ContractTier enumerates how strictly a node's schema is enforced.
type ContractTier string

const (
	ContractFixed    ContractTier = "FIXED"
	ContractFlexible ContractTier = "FLEXIBLE"
	ContractObserved ContractTier = "OBSERVED"
)

// FieldProvenance records where a field record came from.
type FieldProvenance string

const (
	ProvenanceDeclared FieldProvenance = "declared"
	ProvenanceInferred FieldProvenance = "inferred"
	ProvenanceDerived  FieldProvenance = "derived"
)

// FieldRecord is one ordered entry of a Contract.
type FieldRecord struct {
	NormalizedName string
	OriginalName   string
	TypeSpec       string
	Required       bool
	Provenance     FieldProvenance
}

// Contract is a frozen schema: an ordered list of field records plus the
// tier that governs how validate_edge_compatibility treats it. A
// Contract with Tier == ContractObserved is pure-dynamic and is always
// compatible — ValidateEdgeCompatibility skips it.
type Contract struct {
	Tier   ContractTier
	Fields []FieldRecord
}

// IsDynamic reports whether the contract opts out of compatibility
// checking entirely.
func (c Contract) IsDynamic() bool {
	return c.Tier == ContractObserved
}

// fieldByNormalizedName returns the field record matching name, if any.
func (c Contract) fieldByNormalizedName(name string) (FieldRecord, bool) {
	for _, f := range c.Fields {
		if f.NormalizedName == name {
			return f, true
		}
	}

	return FieldRecord{}, false
}

// NodeKind enumerates the executor kinds a graph node may have.
type NodeKind string

const (
	NodeKindSource      NodeKind = "source"
	NodeKindTransform   NodeKind = "transform"
	NodeKindGate        NodeKind = "gate"
	NodeKindCoalesce    NodeKind = "coalesce"
	NodeKindAggregation NodeKind = "aggregation"
	NodeKindSink        NodeKind = "sink"
)

// Node is one vertex of the execution graph.
//
// Every node kind has a single Contract describing what flows through
// it, except NodeKindAggregation, which has distinct Input and Output
// contracts: Input constrains what may arrive at the aggregation: Output
// guarantees what the aggregate emits once closed. Both edges touching
// an aggregation node are checked against the relevant side.
type Node struct {
	ID         string
	Kind       NodeKind
	PluginName string
	Config     map[string]any
	Contract   Contract
	Input      Contract // aggregation nodes only
	Output     Contract // aggregation nodes only
}

// inputContract returns the contract that governs data arriving at n.
func (n Node) inputContract() Contract {
	if n.Kind == NodeKindAggregation {
		return n.Input
	}

	return n.Contract
}

// outputContract returns the contract that governs data n emits.
func (n Node) outputContract() Contract {
	if n.Kind == NodeKindAggregation {
		return n.Output
	}

	return n.Contract
}

// Edge is a directed connection between two nodes, carrying the origin
// label identifying which branch or route produced it (e.g. a gate's
// named route, or a fork's branch name) and a routing mode: MOVE
// transfers the token, COPY duplicates lineage without consuming it.
type Edge struct {
	From   string
	To     string
	Origin string
	Mode   string
}
