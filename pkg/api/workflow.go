package api

import (
	"encoding/gob"
	"time"
)

func init() {
	// Handler outputs and run inputs are decoded from JSON-like values and
	// stored through gob as interfaces.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(BlockOutput{})
	gob.Register([]map[string]any{})
	gob.Register([]string{})
	gob.Register(map[string]string{})
}

// InputBlockID is the id of the synthetic block that exposes a run's initial
// inputs as output ports. It has no dependencies and never appears in
// ExecutionResult.Outputs.
const InputBlockID = "__input__"

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Endpoint addresses a port on a block.
type Endpoint struct {
	BlockID string
	Port    string
}

func (e Endpoint) String() string {
	return e.BlockID + "." + e.Port
}

// Block is a unit of work with named ports. Type selects the handler.
type Block struct {
	ID      string
	Type    string
	Config  map[string]any
	Inputs  []string
	Outputs []string
}

// Connection is a data edge from an output port to an input port.
type Connection struct {
	ID     string
	Source Endpoint
	Target Endpoint
}

// Definition is a stored workflow graph.
type Definition struct {
	ID          string
	Name        string
	Blocks      []Block
	Connections []Connection
}

// BlockOutput maps output port names to values.
type BlockOutput map[string]any

// BlockRecord tracks the status of one block within a run.
type BlockRecord struct {
	Status     Status
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRequest asks the engine to execute a workflow once.
//
// RunID is optional; when empty a new id is generated. Supplying the same
// RunID twice is how at-least-once transports redeliver a run.
type RunRequest struct {
	RunID      string
	WorkflowID string
	UserID     string
	Inputs     map[string]any
}

// ExecutionResult is the persisted record of a run.
type ExecutionResult struct {
	RunID      string
	WorkflowID string
	UserID     string
	Status     Status

	// Inputs is the initial input snapshot, kept so a failed run can be
	// resumed with the same data.
	Inputs map[string]any

	// Outputs holds the recorded output of every block that completed in a
	// fully successful stage. The synthetic input block is never included.
	Outputs map[string]BlockOutput

	Blocks map[string]BlockRecord
	Error  *RunError

	// Progress is the percentage of stages completed (0-100).
	Progress     int
	CurrentStage int
	StageCount   int

	// Attempt counts how many times the run has been started.
	Attempt int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultListOptions controls how results are listed.
// Zero values mean "no filter" for that field.
type ResultListOptions struct {
	WorkflowID string
	UserID     string
	Status     Status

	// Limit caps the number of results; zero means no limit.
	Limit  int
	Offset int
}

// Stage is a set of block ids that can execute concurrently. The order of
// ids inside a stage carries no meaning.
type Stage []string

// Plan is the ordered sequence of stages covering every block exactly once.
type Plan struct {
	Stages []Stage
}

// BlockCount returns the number of blocks across all stages.
func (p Plan) BlockCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s)
	}
	return n
}
