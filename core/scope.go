package core

import (
	"io"
	"log/slog"
)

// Scope is the context a node receives on every Process or OnExec call.
// It carries the run-wide collaborators a node may need so that node
// instances never hold a reference back to the engine.
type Scope struct {
	RunID  string
	NodeID string

	// Vars is the shared variable store of the run.
	Vars *Variables

	// Out receives user-visible text (Print nodes). May be nil.
	Out io.Writer

	logger *slog.Logger
}

// NewScope creates a scope for one run.
func NewScope(runID string, vars *Variables, out io.Writer, logger *slog.Logger) *Scope {
	if vars == nil {
		vars = NewVariables(nil)
	}
	return &Scope{RunID: runID, Vars: vars, Out: out, logger: logger}
}

// ForNode returns a copy of the scope bound to nodeID.
func (s *Scope) ForNode(nodeID string) *Scope {
	cp := *s
	cp.NodeID = nodeID
	return &cp
}

// Logger returns a logger annotated with the run and node ids.
func (s *Scope) Logger() *slog.Logger {
	l := s.logger
	if l == nil {
		l = slog.Default()
	}
	if s.NodeID != "" {
		return l.With("run_id", s.RunID, "node_id", s.NodeID)
	}
	return l.With("run_id", s.RunID)
}
