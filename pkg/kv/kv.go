// Package kv provides a key-value store with hierarchical path-based keys.
// Keys are string slices (e.g., ["msg", convID, seq]) encoded with a ':'
// separator, so prefix iteration over ["msg", convID] yields a conversation's
// messages in key order.
//
// Two implementations are provided: a BadgerDB-backed store for production
// and an in-memory store for tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded representation.
// Segments must not contain it.
const Separator = ":"

// Key is a hierarchical path represented as a slice of string segments.
type Key []string

// String returns the encoded form of the key.
func (k Key) String() string {
	return strings.Join(k, Separator)
}

// encode converts the key to its stored byte representation.
func (k Key) encode() []byte {
	return []byte(k.String())
}

// decodeKey converts a stored byte representation back to a Key.
func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), Separator))
}

// Entry is a key-value pair yielded by List and accepted by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given prefix
	// segments, in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet writes multiple entries atomically. Either all entries become
	// visible or none do.
	BatchSet(ctx context.Context, entries []Entry) error

	// Close releases any resources held by the store.
	Close() error
}

// Open opens a store from a URL: "badger://<dir>" or "memory://".
func Open(url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "badger://"):
		return NewBadger(BadgerOptions{Dir: strings.TrimPrefix(url, "badger://")})
	case url == "memory://":
		return NewMemory(), nil
	default:
		return nil, errors.New("kv: unsupported store URL: " + url)
	}
}
