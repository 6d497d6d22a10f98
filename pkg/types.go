package pkg

import (
	"time"
)

// Canvas and execution types shared by the worker packages

// NodeStatus is the live status shown on a canvas node
type NodeStatus string

const (
	NodeStatusThinking  NodeStatus = "thinking"
	NodeStatusStreaming NodeStatus = "streaming"
	NodeStatusComplete  NodeStatus = "complete"
	NodeStatusError     NodeStatus = "error"
)

// ExecutionStatus is the status of one node inside a graph run
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Canvas node data keys written or read by the worker
const (
	FieldStatus         = "status"
	FieldText           = "text"
	FieldOutput         = "output"
	FieldPrompt         = "prompt"
	FieldError          = "error"
	FieldErrorKind      = "errorKind"
	FieldMediaURL       = "mediaUrl"
	FieldMediaStorageID = "mediaStorageId"
	FieldMediaType      = "mediaType"
	FieldFileText       = "fileText"
	FieldStorageID      = "storageId"
	FieldFileName       = "fileName"
	FieldRole           = "role"
	FieldImportance     = "importance"
	FieldUpdatedAt      = "updatedAt"
)

// Task is one queued unit of work: execute this node of this graph run
type Task struct {
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	NodeType    string         `json:"nodeType"`
	CanvasID    string         `json:"canvasId"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	APIKey      string         `json:"apiKey,omitempty"` // caller-supplied provider key, overrides config
	EnqueuedAt  time.Time      `json:"enqueuedAt,omitempty"`
}

// ExecutionRecord is the persisted status of one node in a graph run
type ExecutionRecord struct {
	ExecutionID string          `json:"executionId" dynamodbav:"executionId"`
	NodeID      string          `json:"nodeId" dynamodbav:"nodeId"`
	Status      ExecutionStatus `json:"status" dynamodbav:"status"`
	Output      string          `json:"output,omitempty" dynamodbav:"output,omitempty"`
	Error       string          `json:"error,omitempty" dynamodbav:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt,omitempty" dynamodbav:"startedAt,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty" dynamodbav:"finishedAt,omitempty"`
}

// Position is the canvas coordinate of a node
type Position struct {
	X float64 `json:"x" dynamodbav:"x"`
	Y float64 `json:"y" dynamodbav:"y"`
}

// CanvasNode is a user-visible graph vertex. Data holds status, content
// and any sibling fields owned by other writers.
type CanvasNode struct {
	ID        string         `json:"id" dynamodbav:"id"`
	Type      string         `json:"type" dynamodbav:"type"`
	Position  Position       `json:"position" dynamodbav:"position"`
	CreatedAt int64          `json:"createdAt,omitempty" dynamodbav:"createdAt,omitempty"` // unix millis, 0 when unknown
	Data      map[string]any `json:"data" dynamodbav:"data"`
}

// Edge is a directed connection source -> target
type Edge struct {
	ID       string `json:"id" dynamodbav:"id"`
	Source   string `json:"source" dynamodbav:"source"`
	Target   string `json:"target" dynamodbav:"target"`
	Relation string `json:"relation,omitempty" dynamodbav:"relation,omitempty"`
}

// Graph is a canvas snapshot. It may contain cycles.
type Graph struct {
	Nodes []CanvasNode `json:"nodes"`
	Edges []Edge       `json:"edges"`
}

// NodePatch is a partial update of a canvas node's data. Keys not present
// are left untouched.
type NodePatch map[string]any

// Role classifies how a context item is presented to the model
type Role string

const (
	RoleInstruction Role = "instruction"
	RoleKnowledge   Role = "knowledge"
	RoleHistory     Role = "history"
	RoleContext     Role = "context"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleInstruction, RoleKnowledge, RoleHistory, RoleContext:
		return true
	}
	return false
}

// Importance bounds
const (
	MinImportance     = 1
	MaxImportance     = 5
	DefaultImportance = 3
)

// ContextItem is one upstream node's contribution to a prompt
type ContextItem struct {
	SourceNodeID string `json:"sourceNodeId"`
	NodeType     string `json:"nodeType"`
	Role         Role   `json:"role"`
	Content      string `json:"content"`
	Importance   int    `json:"importance"`
	Relation     string `json:"relation,omitempty"`
}

// ReasoningContext is the ordered context assembled for a target node
type ReasoningContext struct {
	TargetNodeID string        `json:"targetNodeId"`
	Items        []ContextItem `json:"items"`
}
