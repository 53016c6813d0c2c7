package store

import "errors"

var (
	// ErrKeyExists is returned by CreateExclusive when the key is already
	// present. Lock and claim exclusivity rests entirely on this error being
	// deterministic.
	ErrKeyExists = errors.New("key already exists")
	// ErrNotFound is returned by Read when the key is absent.
	ErrNotFound = errors.New("key not found")
)

// Store is the coordination substrate: a key-value space shared by every
// session process. Any backend works as long as CreateExclusive fails with
// ErrKeyExists when the key is present rather than silently overwriting —
// an embedded KV, a distributed KV or a unique-constrained table row are all
// valid substitutes for the default file backend.
type Store interface {
	// Read returns the value at key, or ErrNotFound.
	Read(key string) ([]byte, error)
	// Write sets key to value, creating or replacing it atomically.
	Write(key string, value []byte) error
	// CreateExclusive sets key to value only if the key does not exist.
	CreateExclusive(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List returns every key with the given prefix, in unspecified order.
	List(prefix string) ([]string, error)
}
