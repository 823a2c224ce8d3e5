// Package named provides tagged error values that carry a structured
// payload alongside a stable name. Two named errors compare equal under
// errors.Is when their names match, so callers can branch on the tag
// without inspecting the payload.
package named

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is an error identified by a stable name with an optional
// key/value payload and an optional wrapped cause.
type Error struct {
	Name string
	Data map[string]any
	Err  error
}

// New creates a named error. kv is alternating key/value pairs; a
// trailing key without a value is ignored.
func New(name string, kv ...any) *Error {
	return &Error{Name: name, Data: payload(kv)}
}

// Wrap creates a named error wrapping cause.
func Wrap(name string, cause error, kv ...any) *Error {
	return &Error{Name: name, Data: payload(kv), Err: cause}
}

func payload(kv []any) map[string]any {
	if len(kv) < 2 {
		return nil
	}
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		data[key] = kv[i+1]
	}
	return data
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Name)
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Data[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a named error with the same name.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Name == e.Name
	}
	return false
}

// Get returns the payload value for key, or nil.
func (e *Error) Get(key string) any {
	if e.Data == nil {
		return nil
	}
	return e.Data[key]
}
