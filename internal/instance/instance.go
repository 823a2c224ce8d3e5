// Package instance provides the project-scoped execution scope. A scope is
// bound to a directory, carries the project descriptor, and owns a cache of
// lazily-initialized per-scope state. The scope travels on the
// context.Context of every call chain entered through Provide.
package instance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/opencode-ai/opencode-core/internal/logging"
	"github.com/opencode-ai/opencode-core/internal/project"
	"github.com/opencode-ai/opencode-core/pkg/types"
)

var (
	// ErrNoInstance is returned when the context carries no scope.
	ErrNoInstance = errors.New("no instance in context")
	// ErrScopeDisposed is returned by state lookups after disposal.
	ErrScopeDisposed = errors.New("scope disposed")
)

type ctxKey struct{}

// Instance is a running scope bound to a project directory. Directory is
// immutable for the scope's lifetime.
type Instance struct {
	Directory string
	Project   *types.Project

	mu        sync.Mutex
	disposed  bool
	slots     map[any]*slot
	teardowns []func(context.Context) error
}

type slot struct {
	mu    sync.Mutex
	ready bool
	value any
}

// New constructs a scope for directory without installing it on a context.
// Most callers want Provide instead.
func New(directory string) (*Instance, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}
	proj, err := project.FromDirectory(directory)
	if err != nil {
		return nil, err
	}
	return &Instance{
		Directory: directory,
		Project:   proj,
		slots:     make(map[any]*slot),
	}, nil
}

// Provide runs fn inside a freshly constructed scope for directory. The
// scope is disposed when fn returns. Nested Provide calls shadow the outer
// scope; they never merge state.
func Provide(ctx context.Context, directory string, fn func(context.Context) error) error {
	inst, err := New(directory)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, ctxKey{}, inst)
	defer inst.Dispose(ctx)
	return fn(ctx)
}

// ProvideValue is Provide for functions that return a result.
func ProvideValue[R any](ctx context.Context, directory string, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := Provide(ctx, directory, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// From returns the scope carried by ctx.
func From(ctx context.Context) (*Instance, error) {
	inst, ok := ctx.Value(ctxKey{}).(*Instance)
	if !ok {
		return nil, ErrNoInstance
	}
	return inst, nil
}

// Directory returns the current scope's directory.
func Directory(ctx context.Context) (string, error) {
	inst, err := From(ctx)
	if err != nil {
		return "", err
	}
	return inst.Directory, nil
}

// CurrentProject returns the current scope's project descriptor.
func CurrentProject(ctx context.Context) (*types.Project, error) {
	inst, err := From(ctx)
	if err != nil {
		return nil, err
	}
	return inst.Project, nil
}

// Dispose runs the registered teardowns in reverse registration order and
// marks the scope disposed. Further state lookups fail with
// ErrScopeDisposed. Dispose is idempotent.
func (i *Instance) Dispose(ctx context.Context) {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	teardowns := i.teardowns
	i.teardowns = nil
	i.mu.Unlock()

	for n := len(teardowns) - 1; n >= 0; n-- {
		if err := teardowns[n](ctx); err != nil {
			logging.Error().Err(err).Str("directory", i.Directory).Msg("state teardown failed")
		}
	}
}

// Dispose disposes the scope carried by ctx.
func Dispose(ctx context.Context) error {
	inst, err := From(ctx)
	if err != nil {
		return err
	}
	inst.Dispose(ctx)
	return nil
}

// State is a memoizing accessor for one per-scope value. Declare states at
// package level; the *State pointer is the cache key, so distinct
// declarations get distinct slots.
type State[T any] struct {
	init    func(context.Context) (T, error)
	dispose func(context.Context, T) error
}

// NewState declares a lazily-initialized per-scope state.
func NewState[T any](init func(context.Context) (T, error)) *State[T] {
	return &State[T]{init: init}
}

// NewStateWithDispose declares a state whose value needs a teardown on
// scope disposal.
func NewStateWithDispose[T any](init func(context.Context) (T, error), dispose func(context.Context, T) error) *State[T] {
	return &State[T]{init: init, dispose: dispose}
}

// Get returns the state's value for the current scope, invoking init on
// first access. A failed init leaves the slot empty so the next call
// retries.
func (s *State[T]) Get(ctx context.Context) (T, error) {
	var zero T

	inst, err := From(ctx)
	if err != nil {
		return zero, err
	}

	inst.mu.Lock()
	if inst.disposed {
		inst.mu.Unlock()
		return zero, ErrScopeDisposed
	}
	sl, ok := inst.slots[s]
	if !ok {
		sl = &slot{}
		inst.slots[s] = sl
	}
	inst.mu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.ready {
		return sl.value.(T), nil
	}

	value, err := s.init(ctx)
	if err != nil {
		return zero, err
	}

	// Registration happens after a successful init. If the scope was
	// disposed while init ran, tear the value down immediately.
	inst.mu.Lock()
	if inst.disposed {
		inst.mu.Unlock()
		if s.dispose != nil {
			if derr := s.dispose(ctx, value); derr != nil {
				logging.Error().Err(derr).Msg("teardown of orphaned state failed")
			}
		}
		return zero, ErrScopeDisposed
	}
	sl.ready = true
	sl.value = value
	if s.dispose != nil {
		inst.teardowns = append(inst.teardowns, func(ctx context.Context) error {
			return s.dispose(ctx, value)
		})
	}
	inst.mu.Unlock()

	return value, nil
}
