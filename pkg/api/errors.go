package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a run failure.
type ErrorKind string

const (
	KindInvalidGraph     ErrorKind = "invalid_graph"
	KindCyclicGraph      ErrorKind = "cyclic_graph"
	KindUnknownBlockType ErrorKind = "unknown_block_type"
	KindHandlerExecution ErrorKind = "handler_execution"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindNotFound         ErrorKind = "not_found"
	KindInterrupted      ErrorKind = "interrupted"
	KindInternal         ErrorKind = "internal"
)

// InvalidGraphError reports a bad block or connection found before execution.
type InvalidGraphError struct {
	BlockID      string
	ConnectionID string
	Port         string
	Reason       string
}

func (e *InvalidGraphError) Error() string {
	var b strings.Builder
	b.WriteString("invalid graph")
	if e.ConnectionID != "" {
		fmt.Fprintf(&b, ": connection %q", e.ConnectionID)
	}
	if e.BlockID != "" {
		fmt.Fprintf(&b, ": block %q", e.BlockID)
	}
	if e.Port != "" {
		fmt.Fprintf(&b, ": port %q", e.Port)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// CyclicGraphError reports a dependency cycle. Cycle lists the block ids on
// the cycle with the first id repeated at the end.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	return "cyclic graph: " + strings.Join(e.Cycle, " -> ")
}

// UnknownBlockTypeError is returned when no handler is registered for a
// block's type.
type UnknownBlockTypeError struct {
	BlockID   string
	BlockType string
}

func (e *UnknownBlockTypeError) Error() string {
	return fmt.Sprintf("block %q: unknown block type %q", e.BlockID, e.BlockType)
}

// HandlerExecutionError wraps a failure returned (or panicked) by a handler.
type HandlerExecutionError struct {
	BlockID   string
	BlockType string
	Err       error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("block %q (%s) failed: %v", e.BlockID, e.BlockType, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that a run exceeded its deadline.
type TimeoutError struct {
	RunID string
	Stage int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s: deadline exceeded during stage %d", e.RunID, e.Stage)
}

// CancelledError reports that a run was cancelled externally.
type CancelledError struct {
	RunID string
	Stage int
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %s: cancelled before stage %d completed", e.RunID, e.Stage)
}

// NotFoundError reports a missing workflow definition or run.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// RunError is the structured error stored on a failed or cancelled result.
type RunError struct {
	Kind      ErrorKind
	BlockID   string
	BlockType string
	Message   string
	Cycle     []string
}

func (e *RunError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("%s: block %s: %s", e.Kind, e.BlockID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRunError converts err into a RunError. It returns nil for a nil error.
func NewRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	re := &RunError{Kind: KindInternal, Message: err.Error()}

	var (
		invalid  *InvalidGraphError
		cyclic   *CyclicGraphError
		unknown  *UnknownBlockTypeError
		handler  *HandlerExecutionError
		timeout  *TimeoutError
		cancel   *CancelledError
		notFound *NotFoundError
		existing *RunError
	)
	switch {
	case errors.As(err, &existing):
		cp := *existing
		return &cp
	case errors.As(err, &invalid):
		re.Kind = KindInvalidGraph
		re.BlockID = invalid.BlockID
	case errors.As(err, &cyclic):
		re.Kind = KindCyclicGraph
		re.Cycle = append([]string(nil), cyclic.Cycle...)
	case errors.As(err, &unknown):
		re.Kind = KindUnknownBlockType
		re.BlockID = unknown.BlockID
		re.BlockType = unknown.BlockType
	case errors.As(err, &timeout):
		re.Kind = KindTimeout
	case errors.As(err, &cancel):
		re.Kind = KindCancelled
	case errors.As(err, &handler):
		re.Kind = KindHandlerExecution
		re.BlockID = handler.BlockID
		re.BlockType = handler.BlockType
	case errors.As(err, &notFound):
		re.Kind = KindNotFound
	}
	return re
}
