package bigraph

import (
	"errors"
	"fmt"
)

// Structural errors
var (
	ErrDuplicateID    = errors.New("duplicate node id")
	ErrDanglingParent = errors.New("parent not present in tree")
	ErrCycle          = errors.New("parent pointers form a cycle")
	ErrNodeNotFound   = errors.New("node not found")
	ErrDecodeFailed   = errors.New("decode failed")
	ErrEncodeFailed   = errors.New("encode failed")
)

// Rule and schema errors
var (
	ErrEscalateNotNoop = errors.New("escalate rule must be a no-op (reactum == redex)")
	ErrUnknownControl  = errors.New("unknown control")
	ErrUnknownProperty = errors.New("unknown property")
	ErrPropertyKind    = errors.New("property has wrong type")
	ErrOutOfRange      = errors.New("property out of range")
	ErrNotAllowed      = errors.New("property value not allowed")
	ErrInvalidRule     = errors.New("invalid rule")
)

// Error provides structured error information for graph operations.
type Error struct {
	Op      string // Operation that failed (e.g., "Validate", "CheckSchema")
	Entity  string // Entity type (e.g., "node", "rule", "graph")
	ID      int    // Node ID (if applicable)
	HasID   bool
	Name    string // Rule name (if applicable)
	Field   string // Property key (for property errors)
	Cause   error  // Underlying error
	Context string // Additional context
}

// Error implements the error interface.
func (e *Error) Error() string {
	subject := e.Entity
	switch {
	case e.HasID:
		subject = fmt.Sprintf("%s %d", e.Entity, e.ID)
	case e.Name != "":
		subject = fmt.Sprintf("%s %q", e.Entity, e.Name)
	}
	if e.Field != "" {
		subject = fmt.Sprintf("%s (field %s)", subject, e.Field)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, subject, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, subject, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error's cause.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building Errors.
type ErrorBuilder struct {
	err Error
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: Error{Op: op, Entity: "graph"}}
}

// Node sets the entity to "node" with the given ID.
func (b *ErrorBuilder) Node(id int) *ErrorBuilder {
	b.err.Entity = "node"
	b.err.ID = id
	b.err.HasID = true
	return b
}

// Rule sets the entity to "rule" with the given name.
func (b *ErrorBuilder) Rule(name string) *ErrorBuilder {
	b.err.Entity = "rule"
	b.err.Name = name
	return b
}

// Field sets the property key.
func (b *ErrorBuilder) Field(name string) *ErrorBuilder {
	b.err.Field = name
	return b
}

// Context sets additional context information.
func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	e := b.err
	return &e
}
