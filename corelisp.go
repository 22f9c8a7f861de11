// Package corelisp holds the types shared by every subsystem of the
// runtime: the embedding-visible error shape and source-location
// metadata threaded through the reader, compiler, and VM.
package corelisp

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrorType enumerates the core/... error categories. Each value is the
// dotted string a host compares against; new leaves are added as needed,
// never removed, since hosts may switch on them.
type ErrorType string

const (
	ErrSyntax                  ErrorType = "core/syntax"
	ErrSyntaxBadString         ErrorType = "core/syntax/bad-string"
	ErrSyntaxBadNumber         ErrorType = "core/syntax/bad-number"
	ErrSyntaxUnexpectedToken   ErrorType = "core/syntax/unexpected-token"
	ErrSyntaxUnexpectedEOF     ErrorType = "core/syntax/unexpected-eof"
	ErrSyntaxElementTooLong    ErrorType = "core/syntax/element-too-long"
	ErrSyntaxErrorDef          ErrorType = "core/syntax-error/def"
	ErrSyntaxErrorSet          ErrorType = "core/syntax-error/set"
	ErrSyntaxErrorIf           ErrorType = "core/syntax-error/if"
	ErrSyntaxErrorFn           ErrorType = "core/syntax-error/fn"
	ErrSyntaxErrorEmptyList    ErrorType = "core/syntax-error/empty-list"
	ErrSyntaxErrorDupNames     ErrorType = "core/syntax-error/duplicated-names"
	ErrNameError               ErrorType = "core/name-error"
	ErrUnexpectedType          ErrorType = "core/unexpected-type"
	ErrWrongArity              ErrorType = "core/wrong-arity"
	ErrLimitMaxArguments       ErrorType = "core/limit-reached/max-arguments"
	ErrLimitMaxLocals          ErrorType = "core/limit-reached/max-locals"
	ErrLimitMaxCaptures        ErrorType = "core/limit-reached/max-captures"
	ErrLimitMaxLabels          ErrorType = "core/limit-reached/max-labels"
	ErrLimitMaxFunctions       ErrorType = "core/limit-reached/max-functions"
	ErrLimitMaxInstructions    ErrorType = "core/limit-reached/max-instructions"
	ErrLimitStackOverflow      ErrorType = "core/limit-reached/stack-overflow"
	ErrModuleNotFound          ErrorType = "core/module-not-found"
	ErrDuplicatedModule        ErrorType = "core/duplicated-module"
	ErrCircularDependency      ErrorType = "core/circular-dependency"
	ErrIO                      ErrorType = "core/io-error"
	ErrPanic                   ErrorType = "core/panic"
)

// SourcePos is a single point in source text.
type SourcePos struct {
	Line   int
	Column int
	Offset int
}

// SourceRange spans from Start to End within a named source.
type SourceRange struct {
	Filename string
	Start    SourcePos
	End      SourcePos
}

// SourceInfo annotates a single instruction or expression slot.
type SourceInfo struct {
	Range SourceRange
}

func (r SourceRange) String() string {
	if r.Filename == "" {
		return fmt.Sprintf("%d:%d", r.Start.Line, r.Start.Column)
	}
	return fmt.Sprintf("%s:%d:%d", r.Filename, r.Start.Line, r.Start.Column)
}

// Extra is the payload an Error carries; it is kept as `any` here so this
// package has no dependency on the value representation, which itself
// imports corelisp. Concrete callers store a *value.Value and type-assert.
type Extra = any

// Error is the single concrete error shape every fallible operation in
// the runtime returns, matching the { type, message, extra, stacktrace }
// shape every embedding-API call promises.
type Error struct {
	Type       ErrorType
	Message    string
	Extra      Extra
	Stacktrace []SourceInfo

	// CorrelationID lets a host join a returned error against its own
	// structured logs; it carries no runtime meaning.
	CorrelationID uuid.UUID
}

// NewError builds an Error, stamping a fresh correlation id.
func NewError(t ErrorType, format string, args ...any) *Error {
	return &Error{
		Type:          t,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.New(),
	}
}

// WithExtra attaches a value payload (already copied into the error zone
// by the caller) and returns the same Error for chaining.
func (e *Error) WithExtra(extra Extra) *Error {
	e.Extra = extra
	return e
}

// WithSource appends one frame to the stacktrace, innermost first.
func (e *Error) WithSource(info SourceInfo) *Error {
	e.Stacktrace = append(e.Stacktrace, info)
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil core error>"
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is against a bare ErrorType sentinel comparison by
// wrapping it as an *Error with no message; hosts generally compare
// Type directly, this exists for stdlib-idiomatic call sites.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == other.Type
}
