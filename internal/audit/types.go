// Package audit implements the tamper-evident audit store: the
// relational record of every run, node, edge, row, token, and execution
// event a pipeline produces, plus the recorder facade that writes to it
// and the ordered query methods that read it back for export.
package audit

import "time"

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ExportStatus tracks whether a run's audit trail has been exported.
type ExportStatus string

const (
	ExportStatusPending  ExportStatus = "pending"
	ExportStatusExported ExportStatus = "exported"
	ExportStatusFailed   ExportStatus = "failed"
)

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

// Contract enumerates a node's schema-contract tier.
type Contract string

const (
	ContractFixed    Contract = "fixed"
	ContractFlexible Contract = "flexible"
	ContractObserved Contract = "observed"
)

// NodeStateStatus enumerates the lifecycle of a single token's visit to a node.
type NodeStateStatus string

const (
	NodeStateOpen      NodeStateStatus = "open"
	NodeStateCompleted NodeStateStatus = "completed"
	NodeStateFailed    NodeStateStatus = "failed"
)

// RoutingAction enumerates what a gate or transform did with a token.
type RoutingAction string

const (
	RoutingActionForward RoutingAction = "forward"
	RoutingActionDrop    RoutingAction = "drop"
	RoutingActionFork    RoutingAction = "fork"
	RoutingActionExpand  RoutingAction = "expand"
)

// CallOutcome enumerates the terminal state of a single plugin invocation.
type CallOutcome string

const (
	CallOutcomeSuccess    CallOutcome = "success"
	CallOutcomeRetryable  CallOutcome = "retryable_error"
	CallOutcomeFatal      CallOutcome = "fatal_error"
	CallOutcomePluginBug  CallOutcome = "plugin_bug"
	CallOutcomeTimedOut   CallOutcome = "timed_out"
	CallOutcomeCapacityNo CallOutcome = "capacity_exceeded"
)

// TokenOutcomeKind enumerates what ultimately happened to a token.
type TokenOutcomeKind string

const (
	TokenOutcomeSunk      TokenOutcomeKind = "sunk"
	TokenOutcomeDropped   TokenOutcomeKind = "dropped"
	TokenOutcomeErrored   TokenOutcomeKind = "errored"
	TokenOutcomeCoalesced TokenOutcomeKind = "coalesced"
)

// Run is one top-level pipeline execution.
type Run struct {
	ID           string
	Name         string
	ConfigHash   string
	Status       RunStatus
	ExportStatus ExportStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Metadata     string
}

// Node is one vertex of the execution graph, scoped to a run.
type Node struct {
	ID         string
	RunID      string
	Name       string
	Kind       NodeKind
	ConfigHash string
	Contract   Contract
}

// Edge is a directed connection between two nodes in the same run.
// Label names the branch or route that produced the edge (a gate's
// route label, a fork's branch name; empty for a plain linear edge) and
// Mode records whether the edge moves or copies its row (MOVE/COPY).
type Edge struct {
	ID         string
	RunID      string
	FromNodeID string
	ToNodeID   string
	Label      string
	Mode       string
}

// Row is one unit of data a source introduced into the pipeline.
type Row struct {
	ID           string
	RunID        string
	SourceNodeID string
	PayloadHash  string
	CreatedAt    time.Time
}

// Token is a lineage handle for a Row as it moves through the graph. A
// Row may have many Tokens (fork, expand); a Token may have many parent
// Tokens (coalesce). BranchName, ForkGroupID, JoinGroupID, and
// ExpandGroupID are empty unless the token was minted by the
// corresponding operation; StepIndex is the token's current position in
// the pipeline's topological order.
type Token struct {
	ID            string
	RunID         string
	RowID         string
	Ordinal       int
	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	StepIndex     int
	CreatedAt     time.Time
}

// TokenParent records one edge in the token-lineage DAG.
type TokenParent struct {
	ChildTokenID  string
	ParentTokenID string
	Ordinal       int
}

// NodeState is one token's visit to one node: its open/close bracket.
// InputHash is the content hash of the token's row as it arrived;
// OutputHash is set on completion when the node produced a new payload
// (empty for gates and other pass-through nodes). DurationMillis is
// populated when the state closes. StepIndex mirrors the node's
// position in the pipeline's topological order; Attempt is the retry
// attempt this state belongs to (1 for non-retrying executors).
type NodeState struct {
	ID             string
	RunID          string
	NodeID         string
	TokenID        string
	Status         NodeStateStatus
	InputHash      string
	OutputHash     string
	DurationMillis *int64
	StepIndex      int
	Attempt        int
	Sequence       int64
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// RoutingEvent records one routing decision made while a NodeState was
// open. EdgeID references the registered Edge the decision traveled —
// the destination node id is recoverable from the edge's ToNodeID.
type RoutingEvent struct {
	ID          string
	RunID       string
	NodeStateID string
	EdgeID      string
	Action      RoutingAction
	Sequence    int64
	CreatedAt   time.Time
}

// Call records one plugin invocation (including retries) inside a
// NodeState. Type names the plugin's concrete implementation;
// RequestHash/ResponseHash are content hashes of the call's input/output
// payload; Provider is the external service name, when applicable
// (empty for plugins with no external provider concept).
type Call struct {
	ID           string
	RunID        string
	NodeStateID  string
	Attempt      int
	Type         string
	Outcome      CallOutcome
	RequestHash  string
	ResponseHash string
	Provider     string
	ErrorMessage string
	Sequence     int64
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// TokenOutcome records the terminal disposition of a token at a node.
type TokenOutcome struct {
	ID         string
	RunID      string
	TokenID    string
	NodeID     string
	Outcome    TokenOutcomeKind
	Detail     string
	Sequence   int64
	RecordedAt time.Time
}

// Batch records one open/close cycle of a buffered transform executor.
type Batch struct {
	ID             string
	RunID          string
	NodeID         string
	SubmittedCount int
	CompletedCount int
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// ValidationError records a contract or schema violation observed while a
// NodeState was open.
type ValidationError struct {
	ID          string
	RunID       string
	NodeStateID string
	Message     string
	Sequence    int64
	CreatedAt   time.Time
}

// SecretResolution records that a node resolved a named secret, without
// recording the secret's value.
type SecretResolution struct {
	ID         string
	RunID      string
	NodeID     string
	SecretName string
	ResolvedAt time.Time
}
