package named

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	a := New("NotFound", "key", "session/p/s1")
	b := New("NotFound")

	if !errors.Is(a, b) {
		t.Error("errors with the same name should match")
	}
	if errors.Is(a, New("SessionUnknown")) {
		t.Error("errors with different names should not match")
	}
}

func TestError_IsThroughWrapping(t *testing.T) {
	inner := New("JsonError", "path", "/tmp/opencode.json")
	wrapped := fmt.Errorf("loading config: %w", inner)

	if !errors.Is(wrapped, New("JsonError")) {
		t.Error("named error should match through fmt.Errorf wrapping")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap("IO", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestError_Payload(t *testing.T) {
	err := New("SessionUnknown", "messageID", "msg_1")
	if got := err.Get("messageID"); got != "msg_1" {
		t.Errorf("Get(messageID) = %v, want msg_1", got)
	}
	if got := err.Get("absent"); got != nil {
		t.Errorf("Get(absent) = %v, want nil", got)
	}
}

func TestError_Message(t *testing.T) {
	err := Wrap("IO", errors.New("boom"), "path", "/x", "op", "write")
	want := "IO (op=write, path=/x): boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
