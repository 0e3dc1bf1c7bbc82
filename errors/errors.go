package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseTarget  Phase = "target"  // target and machine selection
	PhaseShare   Phase = "share"   // compilation unit ownership transfer
	PhaseAdd     Phase = "add"     // unit submission
	PhaseRemove  Phase = "remove"  // unit removal
	PhaseLookup  Phase = "lookup"  // symbol address lookup
	PhaseResolve Phase = "resolve" // external symbol resolution
	PhaseInvoke  Phase = "invoke"  // calling compiled code
	PhaseLoad    Phase = "load"    // reading units from disk
	PhaseParse   Phase = "parse"   // binary decoding
	PhaseBuild   Phase = "build"   // unit construction
	PhaseDispose Phase = "dispose" // handle teardown
)

// Kind categorizes the error
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidData       Kind = "invalid_data"
	KindUnsupported       Kind = "unsupported"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindConsumed          Kind = "consumed"
	KindDisposed          Kind = "disposed"
	KindClosed            Kind = "closed"
	KindForeignHandle     Kind = "foreign_handle"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindUnresolvedSymbol  Kind = "unresolved_symbol"
	KindEngineFailure     Kind = "engine_failure"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Symbol string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Symbol != "" {
		b.WriteString(" at ")
		b.WriteString(e.Symbol)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Symbol sets the symbol the error refers to
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Symbol: name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Consumed reports use of a value whose ownership was already transferred
func Consumed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindConsumed,
		Detail: fmt.Sprintf("%s already transferred", what),
	}
}

// Disposed reports a second disposal of the same handle
func Disposed(what string) *Error {
	return &Error{
		Phase:  PhaseDispose,
		Kind:   KindDisposed,
		Detail: fmt.Sprintf("%s already disposed", what),
	}
}

// Closed reports use of a torn-down JIT stack
func Closed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: "jit stack is closed",
	}
}

// ForeignHandle reports a unit handle presented to a stack that did not issue it
func ForeignHandle(phase Phase, issuer, holder string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindForeignHandle,
		Detail: fmt.Sprintf("handle issued by stack %s used on stack %s", issuer, holder),
	}
}

// SignatureMismatch reports an external reference bound to a symbol of another type
func SignatureMismatch(phase Phase, symbol, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSignatureMismatch,
		Symbol: symbol,
		Detail: fmt.Sprintf("want %s, got %s", want, got),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a unit loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// EngineFailure is the single failure variant reported by the code-generation
// engine. Message is the text of the engine's last-error slot, captured by the
// call immediately following the failing operation.
type EngineFailure struct {
	Op      string
	Message string
}

func (e *EngineFailure) Error() string {
	if e.Op == "" {
		return "[engine] " + e.Message
	}
	return "[engine] " + e.Op + ": " + e.Message
}

// Is reports whether target is an EngineFailure, or an Error of KindEngineFailure
func (e *EngineFailure) Is(target error) bool {
	switch t := target.(type) {
	case *EngineFailure:
		return true
	case *Error:
		return t.Kind == KindEngineFailure
	}
	return false
}

// UnresolvedSymbolsError lists external references the resolver could not satisfy
type UnresolvedSymbolsError struct {
	Symbols []string
}

func (e *UnresolvedSymbolsError) Error() string {
	switch len(e.Symbols) {
	case 0:
		return "[resolve] unresolved_symbol: no symbols specified"
	case 1:
		return fmt.Sprintf("symbol not found: %s", e.Symbols[0])
	}
	return fmt.Sprintf("%d symbols not found: %s", len(e.Symbols), strings.Join(e.Symbols, ", "))
}

// Is reports whether target matches this error type
func (e *UnresolvedSymbolsError) Is(target error) bool {
	_, ok := target.(*UnresolvedSymbolsError)
	return ok
}
