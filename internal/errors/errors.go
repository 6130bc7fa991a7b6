package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Code identifies a class of failure across the host.
type Code string

// Severity describes how loudly a failure should be reported.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes are the default properties attached to a code.
type Attributes struct {
	Message     string
	Severity    Severity
	Recoverable bool
}

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeTimeout         Code = "TIMEOUT"
	CodeConfiguration   Code = "CONFIGURATION"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodePublishFailure  Code = "PUBLISH_FAILURE"

	// CodeArtifactNotFound means the repository could not resolve an identifier.
	CodeArtifactNotFound Code = "ARTIFACT_NOT_FOUND"
	// CodeArtifactRepository is a transport or file failure inside the repository.
	CodeArtifactRepository Code = "ARTIFACT_REPOSITORY"
	// CodePluginLoad is fatal to a single load attempt.
	CodePluginLoad Code = "PLUGIN_LOAD"
	// CodePluginHook is an enable or disable hook failure.
	CodePluginHook Code = "PLUGIN_HOOK"
	// CodeIllegalState rejects an operation that is not valid in the current state.
	CodeIllegalState Code = "ILLEGAL_STATE"
	// CodeSharedConflict reports provided dependencies resident below their declared version.
	CodeSharedConflict Code = "SHARED_DEPENDENCY_CONFLICT"
	// CodeCyclicDependency reports a cycle of required provided dependencies.
	CodeCyclicDependency Code = "CYCLIC_DEPENDENCY"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:    {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:           {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:           {Message: "resource conflict", Severity: SeverityWarning},
		CodeTimeout:            {Message: "operation timed out", Severity: SeverityWarning, Recoverable: true},
		CodeConfiguration:      {Message: "invalid configuration", Severity: SeverityCritical},
		CodeStorageFailure:     {Message: "storage failure", Severity: SeverityCritical, Recoverable: true},
		CodePublishFailure:     {Message: "event publish failure", Severity: SeverityWarning, Recoverable: true},
		CodeArtifactNotFound:   {Message: "artifact not found", Severity: SeverityInfo, Recoverable: true},
		CodeArtifactRepository: {Message: "artifact repository failure", Severity: SeverityWarning, Recoverable: true},
		CodePluginLoad:         {Message: "plugin load failed", Severity: SeverityCritical},
		CodePluginHook:         {Message: "plugin hook failed", Severity: SeverityWarning},
		CodeIllegalState:       {Message: "illegal state", Severity: SeverityInfo},
		CodeSharedConflict:     {Message: "shared dependency conflict", Severity: SeverityCritical},
		CodeCyclicDependency:   {Message: "cyclic dependency", Severity: SeverityCritical},
	}
)

// Register adds or replaces the attributes of a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes registered for code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error type shared by every package of the host.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity *Severity
}

// Option customises an Error at construction time.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithSeverity overrides the default severity of the code.
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New creates an error with the given code. An empty message uses the code default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return Wrap(code, cause, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Severity returns the effective severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Recoverable reports whether the caller may retry or surface the failure and continue.
func (e *Error) Recoverable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Recoverable
}

// From extracts the outermost *Error in err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Describe renders metadata in key order, for log lines.
func Describe(err error) string {
	e, ok := From(err)
	if !ok || len(e.metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.metadata[k])
	}
	return strings.Join(parts, " ")
}
