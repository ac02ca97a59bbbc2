package datamodels

import (
	"time"

	"github.com/google/uuid"
)

// Request asks the agent to run Script on the inventory node Node.
type Request struct {
	RunID  uuid.UUID `json:"run_id"`
	Node   string    `json:"node" validate:"required"`
	Script string    `json:"script" validate:"required"`
	// Output names processors applied to stdout in order, e.g. ["trim", "key_value"].
	Output []string `json:"output,omitempty"`
}

// Result is the outcome of one Request.
type Result struct {
	RunID      uuid.UUID `json:"run_id" bson:"run_id"`
	Node       string    `json:"node" bson:"node"`
	Stdout     []string  `json:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr     []string  `json:"stderr,omitempty" bson:"stderr,omitempty"`
	ExitStatus int       `json:"exit_status" bson:"exit_status"`
	Error      string    `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
	FinishedAt time.Time `json:"finished_at" bson:"finished_at"`
}

func (r Result) OK() bool {
	return r.Error == "" && r.ExitStatus == 0
}

// Key identifies a result; one node runs at most once per run.
func (r Result) Key() string {
	return r.RunID.String() + "_" + r.Node
}
