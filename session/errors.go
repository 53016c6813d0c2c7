package session

import "errors"

var (
	// ErrNotRegistered is returned by operations that need a session identity
	// before Register or Attach has succeeded.
	ErrNotRegistered = errors.New("no active session registration")
	// ErrNotFound is returned when a referenced session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrCorruptRecord is returned where correctness depends on reading a
	// record and the stored bytes don't parse. Tolerant paths (listings)
	// skip such records instead.
	ErrCorruptRecord = errors.New("corrupt record")
)
