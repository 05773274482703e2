package objstore

import "errors"

// ErrNotFound is returned by Get and Head when the key does not exist.
var ErrNotFound = errors.New("objstore: key not found")

// ErrPreconditionFailed is returned by PutIfAbsent and PutIfMatch when
// the conditional write lost the race: the key already exists (for
// PutIfAbsent) or its current ETag no longer matches (for PutIfMatch).
// It is never produced by the retry policy; it is a definitive result.
var ErrPreconditionFailed = errors.New("objstore: precondition failed")

// StorageUnavailable wraps the last error observed after the retry
// budget for an operation was exhausted.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return "objstore: " + e.Op + " unavailable: " + e.Err.Error()
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }
