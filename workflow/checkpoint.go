package workflow

import (
	"time"

	"github.com/arcwell/maestro/id"
)

// Checkpoint is the durable record of one completed step, written in
// the same transaction of intent as the run-state update. Checkpoints
// let a restarted orchestrator reconstruct exactly which steps already
// ran without re-executing them.
type Checkpoint struct {
	ID        id.CheckpointID `json:"id"`
	RunID     id.RunID        `json:"run_id"`
	StepName  string          `json:"step_name"`
	Data      []byte          `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}
