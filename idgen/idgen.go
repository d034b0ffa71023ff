// Package idgen produces identifiers for rebuild passes and DOM snapshots.
//
// Hosts take a Generator rather than calling uuid directly, so tests can
// swap in a deterministic sequence.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. They sort by
// creation time, which keeps sink output ordered when grepped.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID from gen ("pass_", "snap_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... Meant for
// tests that assert on emitted IDs.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Pass and Snapshot are the generators used for emitted reports.
var (
	Pass     = Prefixed("pass_", Default)
	Snapshot = Prefixed("snap_", Default)
)

// Parse validates a UUID string (with or without a type prefix stripped by
// the caller) and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
