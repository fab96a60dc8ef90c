package domain

import "fmt"

// CompileErrorKind enumerates the deterministic failure modes of the
// pipeline compiler (spec.md §4.1, §7). The compiler collects all of them
// rather than stopping at the first.
type CompileErrorKind string

const (
	ErrCycle               CompileErrorKind = "cycle"
	ErrUnknownPlugin       CompileErrorKind = "unknown_plugin"
	ErrUnboundIdentifier   CompileErrorKind = "unbound_identifier"
	ErrDuplicateName       CompileErrorKind = "duplicate_name"
	ErrEmptyMatrixDimension CompileErrorKind = "empty_matrix_dimension"
	ErrSchemaViolation     CompileErrorKind = "schema_violation"
)

// CompileIssue is one finding from schema validation / compilation.
type CompileIssue struct {
	Kind    CompileErrorKind
	Path    string // e.g. "stages[1].steps[0]"
	Message string
}

func (i CompileIssue) Error() string {
	return fmt.Sprintf("%s: %s (%s)", i.Kind, i.Message, i.Path)
}

// CompileError aggregates every issue found while compiling one
// (PipelineDefinition, TriggerContext) pair. Compilation never early-exits
// on the first error.
type CompileError struct {
	Issues []CompileIssue
}

func (e *CompileError) Error() string {
	if len(e.Issues) == 1 {
		return e.Issues[0].Error()
	}
	return fmt.Sprintf("%d compile issues, first: %s", len(e.Issues), e.Issues[0].Error())
}

// HasErrors reports whether any issue was recorded.
func (e *CompileError) HasErrors() bool { return e != nil && len(e.Issues) > 0 }

// Add appends an issue to the aggregate report.
func (e *CompileError) Add(kind CompileErrorKind, path, message string) {
	e.Issues = append(e.Issues, CompileIssue{Kind: kind, Path: path, Message: message})
}

// ErrNotTriggered is a sentinel (not an error in the Go sense the caller
// should log) meaning no declared trigger matched the given context.
var ErrNotTriggered = fmt.Errorf("no trigger matched")

// DispatchErrorKind enumerates recoverable dispatch-time failures.
type DispatchErrorKind string

const (
	ErrNoMatchingAgent    DispatchErrorKind = "no_matching_agent"
	ErrLeaseInsertConflict DispatchErrorKind = "lease_insert_conflict"
)

// ProtocolErrorKind enumerates agent-protocol conditions that are dropped
// silently and only counted for observability (spec.md §7).
type ProtocolErrorKind string

const (
	ErrStaleLease     ProtocolErrorKind = "stale_lease"
	ErrUnknownAgent   ProtocolErrorKind = "unknown_agent"
	ErrDuplicateEvent ProtocolErrorKind = "duplicate_event"
)
