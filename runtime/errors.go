package runtime

import (
	"errors"
	"fmt"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/registry"
)

// Engine errors
var (
	ErrUnknownType      = registry.ErrUnknownType
	ErrNodeNotFound     = errors.New("node not found")
	ErrCycleDetected    = errors.New("cycle detected in data graph")
	ErrMaxStepsExceeded = errors.New("maximum exec steps exceeded")
	ErrNodeExecution    = errors.New("node execution failed")
	ErrAlreadyRun       = errors.New("engine has already run")
)

// RunError is returned by Engine.Run when a run fails. It carries the
// results computed before the failure.
type RunError struct {
	RunID   string
	NodeID  string
	Steps   int
	Results map[string]core.Values
	Err     error
}

func (e *RunError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("run %s failed at node %s: %v", e.RunID, e.NodeID, e.Err)
	}
	return fmt.Sprintf("run %s failed: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
