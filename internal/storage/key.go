package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Record types, the first segment of every key.
const (
	TypeSession     = "session"
	TypeMessage     = "message"
	TypePart        = "part"
	TypeSessionDiff = "session_diff"
	TypeProject     = "project"
)

var knownTypes = map[string]bool{
	TypeSession:     true,
	TypeMessage:     true,
	TypePart:        true,
	TypeSessionDiff: true,
	TypeProject:     true,
}

// Key is an ordered sequence of path segments. The first segment is the
// record type. Segments are case-sensitive and never empty or containing
// "/".
type Key []string

// NewKey builds a key from segments.
func NewKey(segments ...string) Key { return Key(segments) }

// ParseKey splits a "/"-joined key string.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, "/"))
}

// String returns the "/"-joined form.
func (k Key) String() string { return strings.Join(k, "/") }

// Type returns the first segment.
func (k Key) Type() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// Validate checks the key's structural invariants.
func (k Key) Validate() error {
	if len(k) == 0 {
		return errors.New("storage: empty key")
	}
	for _, seg := range k {
		if seg == "" {
			return fmt.Errorf("storage: empty segment in key %q", k.String())
		}
		if strings.Contains(seg, "/") {
			return fmt.Errorf("storage: segment %q contains '/'", seg)
		}
	}
	if !knownTypes[k[0]] {
		return fmt.Errorf("storage: unknown record type %q", k[0])
	}
	return nil
}

// HasPrefix reports whether k's string form begins with prefix (as whole
// segments).
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}
