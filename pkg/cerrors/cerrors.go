// Package cerrors defines one exported struct per engine failure kind,
// rather than a generic wrapped error taxonomy. Every kind implements
// error; callers type-switch or errors.As to recover structured detail.
package cerrors

import "fmt"

// InvalidArgument reports a caller-supplied value that violates a
// documented precondition (empty key, zero record, unknown operator).
type InvalidArgument struct {
	Reason string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

// AtomicStateException reports that an AtomicOperation cannot be used in
// its current state (e.g. a write submitted after commit/abort), or that
// a serializability check failed during commit and the caller should
// retry. Retry is true only for the latter case.
type AtomicStateException struct {
	Reason string
	Retry  bool
}

func (e *AtomicStateException) Error() string {
	return fmt.Sprintf("atomic operation state error: %s", e.Reason)
}

// TransactionStateException mirrors AtomicStateException for the
// Transaction state machine (OPEN/PREPARING/COMMITTING/COMMITTED/
// FAILED/ABORTED).
type TransactionStateException struct {
	Reason string
}

func (e *TransactionStateException) Error() string {
	return fmt.Sprintf("transaction state error: %s", e.Reason)
}

// DuplicateEntry reports a uniqueness violation in an index structure
// (the B+Tree's UniqueKey mode, or a caller-level uniqueness check).
type DuplicateEntry struct {
	Key string
}

func (e *DuplicateEntry) Error() string {
	return fmt.Sprintf("duplicate entry for key %q", e.Key)
}

// MalformedWrite reports that a byte sequence could not be decoded into
// a well-formed Write, or that a Write's fields fail validation.
type MalformedWrite struct {
	Reason string
}

func (e *MalformedWrite) Error() string {
	return fmt.Sprintf("malformed write: %s", e.Reason)
}

// CorruptBlock reports a checksum mismatch or structural inconsistency
// in a durable page or database block.
type CorruptBlock struct {
	Path   string
	Reason string
}

func (e *CorruptBlock) Error() string {
	return fmt.Sprintf("corrupt block %q: %s", e.Path, e.Reason)
}

// BufferFull reports that the Buffer's configured soft memory ceiling
// would be exceeded by accepting another write before the next transfer.
type BufferFull struct {
	Reason string
}

func (e *BufferFull) Error() string {
	return fmt.Sprintf("buffer full: %s", e.Reason)
}

// IoFailure wraps an underlying I/O error (disk, Pebble, file rename)
// that the caller should treat as a durability failure rather than a
// logic error.
type IoFailure struct {
	Err error
}

func (e *IoFailure) Error() string {
	return fmt.Sprintf("io failure: %s", e.Err)
}

func (e *IoFailure) Unwrap() error {
	return e.Err
}

// DeadlockDetected reports that Owner was chosen as the victim to break
// a wait-for cycle in pkg/lock's RangeLockService; the caller should
// abort its AtomicOperation and retry.
type DeadlockDetected struct {
	Owner uint64
}

func (e *DeadlockDetected) Error() string {
	return fmt.Sprintf("deadlock detected, aborting owner %d", e.Owner)
}

// InsufficientAtomicity reports that a multi-step procedure (e.g.
// consolidateRecords) could not complete as a single atomic unit and was
// aborted before any partial effect became observable.
type InsufficientAtomicity struct {
	Op string
}

func (e *InsufficientAtomicity) Error() string {
	return fmt.Sprintf("insufficient atomicity for operation %q", e.Op)
}
