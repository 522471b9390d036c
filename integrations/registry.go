package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/metrics"
)

// DefaultDispatchTimeout bounds one adapter call.
const DefaultDispatchTimeout = 30 * time.Second

// Registry is the lookup table of integration adapters. Dispatch is
// fire-and-forget: every adapter runs in its own goroutine and failures are
// only logged and counted.
type Registry struct {
	log     *slog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	adapters map[string]interfaces.Integration

	wg sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDispatchTimeout overrides DefaultDispatchTimeout.
func WithDispatchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      log,
		timeout:  DefaultDispatchTimeout,
		adapters: make(map[string]interfaces.Integration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(i interfaces.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[i.Name()]; exists {
		return fmt.Errorf("integration %q already registered", i.Name())
	}
	r.adapters[i.Name()] = i
	return nil
}

// Unregister removes an adapter by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch hands event to every adapter asynchronously. The caller's
// cancellation does not abort deliveries already started.
func (r *Registry) Dispatch(ctx context.Context, event interfaces.WorkflowEvent) {
	r.mu.RLock()
	adapters := make([]interfaces.Integration, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, a := range adapters {
		r.wg.Add(1)
		go func(a interfaces.Integration) {
			defer r.wg.Done()
			r.deliver(base, a, event)
		}(a)
	}
}

// Wait blocks until every dispatch started so far has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) deliver(ctx context.Context, a interfaces.Integration, event interfaces.WorkflowEvent) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch event.Name {
	case interfaces.WorkflowEnvelopeSent:
		err = a.OnEnvelopeSent(ctx, event)
	case interfaces.WorkflowEnvelopeCompleted:
		err = a.OnEnvelopeCompleted(ctx, event)
	case interfaces.WorkflowEnvelopeVoided:
		err = a.OnEnvelopeVoided(ctx, event)
	case interfaces.WorkflowSignerCompleted:
		err = a.OnSignerCompleted(ctx, event)
	default:
		err = fmt.Errorf("unknown workflow event %q", event.Name)
	}

	if err != nil {
		metrics.BestEffortFailure("integration_dispatch")
		r.log.Error("Integration dispatch failed",
			slog.String("integration", a.Name()),
			slog.String("event", string(event.Name)),
			slog.String("envelope_id", event.EnvelopeID),
			"err", err)
		return
	}
	r.log.Debug("Integration dispatched",
		slog.String("integration", a.Name()),
		slog.String("event", string(event.Name)),
		slog.String("envelope_id", event.EnvelopeID))
}
