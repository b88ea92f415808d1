// Package errors provides the error taxonomy shared by the region, repair and
// work packages. It is a leaf package so that every layer can inspect error
// codes without importing the region implementation.
//
// Import graph: errors <- meta <- region <- repair <- work <- server
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the kind of failure a region operation reported.
type ErrorCode int

const (
	// ErrInvalidDefinition indicates a region definition that cannot be used
	// (block size not a power of two in range, zero extents, ...).
	ErrInvalidDefinition ErrorCode = iota + 1

	// ErrAlreadyExists indicates Create found an existing region.
	ErrAlreadyExists

	// ErrDefinitionMismatch indicates the stored definition differs from the
	// one the caller expected.
	ErrDefinitionMismatch

	// ErrCorruptMetadata indicates extent metadata that violates the region
	// invariants (bitmap length, dirty flag, cross-extent flush ordering).
	ErrCorruptMetadata

	// ErrOutOfBounds indicates a block range outside the region.
	ErrOutOfBounds

	// ErrReadOnlyRegion indicates a mutation on a read-only region.
	ErrReadOnlyRegion

	// ErrIOFailure indicates the underlying storage failed.
	ErrIOFailure

	// ErrRepairFailed indicates a live repair could not complete.
	ErrRepairFailed

	// ErrInvalidRequest indicates a malformed request (bad length, empty
	// payload, unknown extent).
	ErrInvalidRequest

	// ErrInvalidFlush indicates a flush number lower than one already
	// recorded by an included extent.
	ErrInvalidFlush

	// ErrRepairInProgress indicates a repair was requested while another
	// extent is already under repair.
	ErrRepairInProgress

	// ErrExtentNotOpen indicates a repair sub-operation on an extent in the
	// wrong state.
	ErrExtentNotOpen

	// ErrClosed indicates the region or dispatcher has been closed.
	ErrClosed
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidDefinition:
		return "InvalidDefinition"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrDefinitionMismatch:
		return "DefinitionMismatch"
	case ErrCorruptMetadata:
		return "CorruptMetadata"
	case ErrOutOfBounds:
		return "OutOfBounds"
	case ErrReadOnlyRegion:
		return "ReadOnlyRegion"
	case ErrIOFailure:
		return "IoFailure"
	case ErrRepairFailed:
		return "RepairFailed"
	case ErrInvalidRequest:
		return "InvalidRequest"
	case ErrInvalidFlush:
		return "InvalidFlush"
	case ErrRepairInProgress:
		return "RepairInProgress"
	case ErrExtentNotOpen:
		return "ExtentNotOpen"
	case ErrClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// NoExtent marks a RegionError not tied to a specific extent.
const NoExtent = -1

// RegionError is the error type returned by region, repair and dispatcher
// operations.
//
// Extent is NoExtent when the failure is region-wide. Generation and
// FlushNumber carry the last known values of the extent, which the fatal
// path logs before terminating. Fatal is set on flush I/O failures: the
// region can no longer promise durability and the process must exit.
type RegionError struct {
	Code        ErrorCode
	Message     string
	Extent      int
	Generation  uint64
	FlushNumber uint64
	Fatal       bool
	Err         error
}

// Error implements the error interface.
func (e *RegionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Extent != NoExtent {
		msg = fmt.Sprintf("%s (extent: %d)", msg, e.Extent)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RegionError) Unwrap() error {
	return e.Err
}

// Is matches another *RegionError by code, so errors.Is(err, &RegionError{Code: X})
// works as a code check.
func (e *RegionError) Is(target error) bool {
	var t *RegionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ============================================================================
// Factory Functions
// ============================================================================

// New creates a region-wide error with the given code.
func New(code ErrorCode, format string, args ...any) *RegionError {
	return &RegionError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Extent:  NoExtent,
	}
}

// NewExtent creates an error scoped to one extent.
func NewExtent(code ErrorCode, extent int, format string, args ...any) *RegionError {
	return &RegionError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Extent:  extent,
	}
}

// NewInvalidDefinitionError creates an InvalidDefinition error.
func NewInvalidDefinitionError(format string, args ...any) *RegionError {
	return New(ErrInvalidDefinition, format, args...)
}

// NewAlreadyExistsError creates an AlreadyExists error.
func NewAlreadyExistsError(dir string) *RegionError {
	return New(ErrAlreadyExists, "region already exists at %s", dir)
}

// NewOutOfBoundsError creates an OutOfBounds error.
func NewOutOfBoundsError(start, count, total uint64) *RegionError {
	return New(ErrOutOfBounds, "blocks [%d, %d) outside region of %d blocks", start, start+count, total)
}

// NewReadOnlyError creates a ReadOnlyRegion error.
func NewReadOnlyError(op string) *RegionError {
	return New(ErrReadOnlyRegion, "%s refused on read-only region", op)
}

// NewCorruptMetadataError creates a CorruptMetadata error for one extent.
func NewCorruptMetadataError(extent int, format string, args ...any) *RegionError {
	return NewExtent(ErrCorruptMetadata, extent, format, args...)
}

// NewIOError wraps a storage failure on one extent.
func NewIOError(extent int, op string, err error) *RegionError {
	return &RegionError{
		Code:    ErrIOFailure,
		Message: op,
		Extent:  extent,
		Err:     err,
	}
}

// NewFatalIOError wraps a storage failure that leaves the region unable to
// promise durability.
func NewFatalIOError(extent int, gen, flush uint64, op string, err error) *RegionError {
	return &RegionError{
		Code:        ErrIOFailure,
		Message:     op,
		Extent:      extent,
		Generation:  gen,
		FlushNumber: flush,
		Fatal:       true,
		Err:         err,
	}
}

// NewRepairFailedError creates a RepairFailed error.
func NewRepairFailedError(extent int, format string, args ...any) *RegionError {
	return NewExtent(ErrRepairFailed, extent, format, args...)
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// CodeOf returns the code of the first RegionError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var re *RegionError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}

// IsFatal reports whether err carries a RegionError marked fatal.
func IsFatal(err error) bool {
	var re *RegionError
	return errors.As(err, &re) && re.Fatal
}

// IsInvalidDefinitionError returns true if the error is an InvalidDefinition error.
func IsInvalidDefinitionError(err error) bool { return CodeOf(err) == ErrInvalidDefinition }

// IsAlreadyExistsError returns true if the error is an AlreadyExists error.
func IsAlreadyExistsError(err error) bool { return CodeOf(err) == ErrAlreadyExists }

// IsDefinitionMismatchError returns true if the error is a DefinitionMismatch error.
func IsDefinitionMismatchError(err error) bool { return CodeOf(err) == ErrDefinitionMismatch }

// IsCorruptMetadataError returns true if the error is a CorruptMetadata error.
func IsCorruptMetadataError(err error) bool { return CodeOf(err) == ErrCorruptMetadata }

// IsOutOfBoundsError returns true if the error is an OutOfBounds error.
func IsOutOfBoundsError(err error) bool { return CodeOf(err) == ErrOutOfBounds }

// IsReadOnlyError returns true if the error is a ReadOnlyRegion error.
func IsReadOnlyError(err error) bool { return CodeOf(err) == ErrReadOnlyRegion }

// IsIOError returns true if the error is an IoFailure error.
func IsIOError(err error) bool { return CodeOf(err) == ErrIOFailure }

// IsRepairFailedError returns true if the error is a RepairFailed error.
func IsRepairFailedError(err error) bool { return CodeOf(err) == ErrRepairFailed }

// IsInvalidRequestError returns true if the error is an InvalidRequest error.
func IsInvalidRequestError(err error) bool { return CodeOf(err) == ErrInvalidRequest }

// IsInvalidFlushError returns true if the error is an InvalidFlush error.
func IsInvalidFlushError(err error) bool { return CodeOf(err) == ErrInvalidFlush }

// IsRepairInProgressError returns true if the error is a RepairInProgress error.
func IsRepairInProgressError(err error) bool { return CodeOf(err) == ErrRepairInProgress }

// IsExtentNotOpenError returns true if the error is an ExtentNotOpen error.
func IsExtentNotOpenError(err error) bool { return CodeOf(err) == ErrExtentNotOpen }

// IsClosedError returns true if the error is a Closed error.
func IsClosedError(err error) bool { return CodeOf(err) == ErrClosed }
