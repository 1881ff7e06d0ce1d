package pacscache

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound     = errors.New("not found")
	ErrInUse        = errors.New("study in use")
	ErrCancelled    = errors.New("cancelled")
	ErrNotConfirmed = errors.New("not confirmed")
)

// ValidationError reports a request rejected before any work was started.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CacheErrorKind classifies cache failures.
type CacheErrorKind string

const (
	Corrupted            CacheErrorKind = "corrupted"
	Locked               CacheErrorKind = "locked"
	Duplicate            CacheErrorKind = "duplicate"
	NotConnected         CacheErrorKind = "not connected"
	InternalStorageError CacheErrorKind = "internal storage error"
)

// CacheError is returned by the cache and its index.
type CacheError struct {
	Kind CacheErrorKind
	Op   string
	Err  error
}

func (e *CacheError) Error() string {
	return formatKind("cache", string(e.Kind), e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Is matches another CacheError of the same kind, so the package sentinels
// can be used with errors.Is.
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	return ok && t.Kind == e.Kind
}

var (
	ErrCorrupted    = &CacheError{Kind: Corrupted}
	ErrLocked       = &CacheError{Kind: Locked}
	ErrDuplicate    = &CacheError{Kind: Duplicate}
	ErrNotConnected = &CacheError{Kind: NotConnected}
	ErrStorage      = &CacheError{Kind: InternalStorageError}
)

// NewCacheError wraps err with a cache error kind.
func NewCacheError(kind CacheErrorKind, op string, err error) error {
	return &CacheError{Kind: kind, Op: op, Err: err}
}

// NetworkErrorKind classifies transport failures.
type NetworkErrorKind string

const (
	Unreachable      NetworkErrorKind = "unreachable"
	Timeout          NetworkErrorKind = "timeout"
	ProtocolMismatch NetworkErrorKind = "protocol mismatch"
	Protocol         NetworkErrorKind = "protocol error"
)

// NetworkError is returned by transports.
type NetworkError struct {
	Kind NetworkErrorKind
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	return formatKind("network", string(e.Kind), e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	t, ok := target.(*NetworkError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnreachable      = &NetworkError{Kind: Unreachable}
	ErrTimeout          = &NetworkError{Kind: Timeout}
	ErrProtocolMismatch = &NetworkError{Kind: ProtocolMismatch}
	ErrProtocol         = &NetworkError{Kind: Protocol}
)

// NewNetworkError wraps err with a network error kind.
func NewNetworkError(kind NetworkErrorKind, op string, err error) error {
	return &NetworkError{Kind: kind, Op: op, Err: err}
}

// CapacityErrorKind classifies space failures.
type CapacityErrorKind string

const (
	InsufficientSpace CapacityErrorKind = "insufficient space"
	DeviceOverflow    CapacityErrorKind = "device overflow"
)

// CapacityError reports that requested bytes do not fit.
type CapacityError struct {
	Kind      CapacityErrorKind
	Requested int64
	Available int64
}

func (e *CapacityError) Error() string {
	if e.Requested == 0 && e.Available == 0 {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: requested %d bytes, %d available", e.Kind, e.Requested, e.Available)
}

func (e *CapacityError) Is(target error) bool {
	t, ok := target.(*CapacityError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInsufficientSpace = &CapacityError{Kind: InsufficientSpace}
	ErrDeviceOverflow    = &CapacityError{Kind: DeviceOverflow}
)

// ProcessErrorKind classifies media writer process failures.
type ProcessErrorKind string

const (
	StartFailed ProcessErrorKind = "start failed"
	Crashed     ProcessErrorKind = "crashed"
	IOFailed    ProcessErrorKind = "io failed"
)

// ProcessError is returned when the export pipeline fails.
type ProcessError struct {
	Kind ProcessErrorKind
	Op   string
	Err  error
}

func (e *ProcessError) Error() string {
	return formatKind("process", string(e.Kind), e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) Is(target error) bool {
	t, ok := target.(*ProcessError)
	return ok && t.Kind == e.Kind
}

var (
	ErrStartFailed = &ProcessError{Kind: StartFailed}
	ErrCrashed     = &ProcessError{Kind: Crashed}
	ErrIOFailed    = &ProcessError{Kind: IOFailed}
)

// NewProcessError wraps err with a process error kind.
func NewProcessError(kind ProcessErrorKind, op string, err error) error {
	return &ProcessError{Kind: kind, Op: op, Err: err}
}

func formatKind(family, kind, op string, err error) string {
	msg := family + ": " + kind
	if op != "" {
		msg = op + ": " + msg
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}
