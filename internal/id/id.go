// Package id generates prefixed ULID identifiers for storage records.
package id

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	SessionPrefix = "ses"
	MessagePrefix = "msg"
	PartPrefix    = "prt"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func generate(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return prefix + "_" + strings.ToLower(u.String())
}

// Session returns a new session identifier.
func Session() string { return generate(SessionPrefix) }

// Message returns a new message identifier.
func Message() string { return generate(MessagePrefix) }

// Part returns a new part identifier.
func Part() string { return generate(PartPrefix) }

// Ascending reports whether ids were generated in order. ULIDs sort
// lexicographically by creation time, so string comparison suffices once
// the prefix is equal.
func Ascending(a, b string) bool { return a < b }
