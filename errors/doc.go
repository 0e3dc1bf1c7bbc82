// Package errors provides structured error types for the jitstack module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the symbol involved, a human-readable detail and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResolve, errors.KindSignatureMismatch).
//		Symbol("_add_one").
//		Detail("want (i32) -> i32, got (i64) -> i64").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseLookup, "symbol", "add_one")
//	err := errors.Closed(errors.PhaseAdd)
//
// Failures reported by the code-generation engine are a separate type,
// EngineFailure, whose message is read from the engine's one-shot error slot.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
