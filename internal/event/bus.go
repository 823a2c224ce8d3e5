// Package event provides typed, schema-validated pub/sub. Events are
// declared once with Define, which binds a name to a payload type; the
// payload's validator tags are checked on every publish. Two bus flavors
// exist: a per-instance bus living in the instance state cache, and a
// process-global bus for signals that must cross scope boundaries.
package event

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-playground/validator/v10"

	"github.com/opencode-ai/opencode-core/internal/instance"
	"github.com/opencode-ai/opencode-core/internal/logging"
)

var validate = validator.New()

// Definition binds an event name to its payload type. Declare definitions
// at package level; the payload type is the event's schema.
type Definition[T any] struct {
	name string
}

// Define declares a typed event.
func Define[T any](name string) *Definition[T] {
	return &Definition[T]{name: name}
}

// Name returns the event's wire name.
func (d *Definition[T]) Name() string { return d.name }

// Envelope is a published event as seen by untyped subscribers and the
// watermill substrate.
type Envelope struct {
	Name       string `json:"name"`
	Properties any    `json:"properties"`
}

type subscriberEntry struct {
	id uint64
	fn func(Envelope)
}

// Bus fans published events out to subscribers synchronously, in
// registration order. Subscriber panics are recovered and logged; later
// subscribers still run. Events are not buffered or replayed.
type Bus struct {
	mu sync.RWMutex

	// Watermill substrate; every event is mirrored into it so middleware
	// and routing can hook in without touching the direct dispatch path.
	pubsub *gochannel.GoChannel

	subscribers map[string][]subscriberEntry
	all         []subscriberEntry
	nextID      uint64
	closed      bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[string][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// SubscribeName registers an untyped subscriber for one event name and
// returns an unsubscribe function.
func (b *Bus) SubscribeName(name string, fn func(Envelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[name] = append(b.subscribers[name], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(name, id) }
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(fn func(Envelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.all = append(b.all, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeAll(id) }
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[name]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.all {
		if entry.id == id {
			b.all = append(b.all[:i], b.all[i+1:]...)
			break
		}
	}
}

// PublishEnvelope delivers an envelope synchronously to all current
// subscribers. When it returns, every subscriber has run.
func (b *Bus) PublishEnvelope(env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]func(Envelope), 0, len(b.subscribers[env.Name])+len(b.all))
	for _, entry := range b.subscribers[env.Name] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.all {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.dispatch(env, fn)
	}

	b.mirror(env)
}

// dispatch invokes one subscriber, isolating panics.
func (b *Bus) dispatch(env Envelope, fn func(Envelope)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event", env.Name).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	fn(env)
}

// mirror forwards the envelope into the watermill substrate, topic = event
// name. Delivery there is best-effort.
func (b *Bus) mirror(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.pubsub.Publish(env.Name, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		logging.Debug().Err(err).Str("event", env.Name).Msg("watermill mirror publish failed")
	}
}

// Messages returns a watermill subscription for one topic, for callers
// that want channel-based consumption instead of callbacks.
func (b *Bus) Messages(ctx context.Context, name string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, name)
}

// Close drops all subscribers and closes the substrate.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]subscriberEntry)
	b.all = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// checkProperties validates props against its validator tags. Only struct
// payloads (or pointers to them) carry tags; other kinds pass.
func checkProperties(props any) error {
	v := reflect.ValueOf(props)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v.Interface())
}

// busState holds the per-instance bus; it is closed on scope disposal.
var busState = instance.NewStateWithDispose(
	func(ctx context.Context) (*Bus, error) {
		return NewBus(), nil
	},
	func(ctx context.Context, b *Bus) error {
		return b.Close()
	},
)

// ForContext returns the current instance's bus.
func ForContext(ctx context.Context) (*Bus, error) {
	return busState.Get(ctx)
}

// Publish validates props and delivers the event on the current
// instance's bus. Validation failure returns without publishing.
func Publish[T any](ctx context.Context, d *Definition[T], props T) error {
	if err := checkProperties(props); err != nil {
		return err
	}
	bus, err := busState.Get(ctx)
	if err != nil {
		return err
	}
	bus.PublishEnvelope(Envelope{Name: d.name, Properties: props})
	return nil
}

// Subscribe registers a typed subscriber on the current instance's bus.
func Subscribe[T any](ctx context.Context, d *Definition[T], fn func(T)) (func(), error) {
	bus, err := busState.Get(ctx)
	if err != nil {
		return nil, err
	}
	return bus.SubscribeName(d.name, func(env Envelope) {
		if props, ok := env.Properties.(T); ok {
			fn(props)
		}
	}), nil
}

// globalBus carries cross-scope signals for the life of the process.
var globalBus = NewBus()

// Global returns the process-global bus.
func Global() *Bus { return globalBus }

// PublishGlobal validates props and delivers the event on the global bus.
func PublishGlobal[T any](d *Definition[T], props T) error {
	if err := checkProperties(props); err != nil {
		return err
	}
	globalBus.PublishEnvelope(Envelope{Name: d.name, Properties: props})
	return nil
}

// SubscribeGlobal registers a typed subscriber on the global bus.
func SubscribeGlobal[T any](d *Definition[T], fn func(T)) func() {
	return globalBus.SubscribeName(d.name, func(env Envelope) {
		if props, ok := env.Properties.(T); ok {
			fn(props)
		}
	})
}
