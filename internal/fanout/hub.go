// Package fanout delivers push events to named subscribers: the gateway
// websocket broadcaster and the optional message-bus sinks.
package fanout

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// Event is one push event as seen by subscribers.
type Event struct {
	Kind      domain.EventKind `json:"kind"`
	AccountID string           `json:"accountId,omitempty"`
	Platform  domain.Platform  `json:"platform,omitempty"`
	Payload   any              `json:"payload"`
	At        time.Time        `json:"at"`
}

// NewEvent stamps a payload with its account, platform and time.
func NewEvent(kind domain.EventKind, payload any) Event {
	return Event{
		Kind:      kind,
		AccountID: domain.AccountOf(payload),
		Platform:  platformOf(payload),
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

func platformOf(payload any) domain.Platform {
	switch p := payload.(type) {
	case domain.ProviderEvent:
		return p.ChatInfo.Platform
	case domain.ChatUpdated:
		return p.ChatInfo.Platform
	case domain.AccountStatusChanged:
		return p.Platform
	case domain.MediaDownloaded:
		if pl, _, _, err := domain.ParseCanonicalID(p.MessageID); err == nil {
			return pl
		}
	}
	return ""
}

// Handler receives an event. Returning an error logs the failure but does
// not stop delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Sink is an external event destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type namedHandler struct {
	name    string
	handler Handler
}

// Hub manages subscriptions and dispatches events.
type Hub struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]namedHandler
	sinks    []Sink
	wg       sync.WaitGroup
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		handlers: make(map[domain.EventKind][]namedHandler),
		log:      log.Sub("fanout"),
		metrics:  metrics.Default(),
	}
}

// On registers a handler for one event kind.
func (h *Hub) On(kind domain.EventKind, name string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], namedHandler{name: name, handler: handler})
	h.log.Debug().Str("kind", string(kind)).Str("handler", name).Msg("subscriber registered")
}

// OnAll registers a handler for every event kind.
func (h *Hub) OnAll(name string, handler Handler) {
	for _, k := range domain.EventKinds {
		h.On(k, name, handler)
	}
}

// Off removes all handlers with the given name from kind. An empty kind
// removes the name from every kind.
func (h *Hub) Off(kind domain.EventKind, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for k, handlers := range h.handlers {
		if kind != "" && k != kind {
			continue
		}
		h.handlers[k] = slices.DeleteFunc(slices.Clone(handlers), func(nh namedHandler) bool {
			return nh.name == name
		})
	}
}

// AddSink subscribes an external sink to every event kind. Sink publishes
// always run asynchronously.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()

	h.OnAll("sink:"+s.Name(), func(ctx context.Context, ev Event) error {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			err := s.Publish(context.WithoutCancel(ctx), ev)
			result := "ok"
			if err != nil {
				result = "error"
				h.log.Warn().Err(err).Str("sink", s.Name()).Str("kind", string(ev.Kind)).Msg("sink publish failed")
			}
			h.metrics.SinkPublishes.WithLabelValues(s.Name(), result).Inc()
		}()
		return nil
	})
}

func (h *Hub) snapshot(kind domain.EventKind) []namedHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.handlers[kind])
}

// Emit dispatches an event to all handlers synchronously, in registration
// order. Errors are logged.
func (h *Hub) Emit(ctx context.Context, ev Event) {
	handlers := h.snapshot(ev.Kind)
	h.metrics.EventsTotal.WithLabelValues(string(ev.Kind), string(ev.Platform)).Inc()
	for _, nh := range handlers {
		if err := nh.handler(ctx, ev); err != nil {
			h.log.Warn().
				Err(err).
				Str("kind", string(ev.Kind)).
				Str("handler", nh.name).
				Msg("subscriber error")
		}
	}
}

// EmitAsync dispatches an event to all handlers concurrently and returns
// immediately.
func (h *Hub) EmitAsync(ctx context.Context, ev Event) {
	handlers := h.snapshot(ev.Kind)
	h.metrics.EventsTotal.WithLabelValues(string(ev.Kind), string(ev.Platform)).Inc()
	for _, nh := range handlers {
		h.wg.Add(1)
		go func(nh namedHandler) {
			defer h.wg.Done()
			if err := nh.handler(ctx, ev); err != nil {
				h.log.Warn().
					Err(err).
					Str("kind", string(ev.Kind)).
					Str("handler", nh.name).
					Msg("async subscriber error")
			}
		}(nh)
	}
}

// Publish is shorthand for Emit(ctx, NewEvent(kind, payload)).
func (h *Hub) Publish(ctx context.Context, kind domain.EventKind, payload any) {
	h.Emit(ctx, NewEvent(kind, payload))
}

// Count returns the number of handlers registered for kind.
func (h *Hub) Count(kind domain.EventKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[kind])
}

// Kinds returns the kinds that have at least one handler, sorted.
func (h *Hub) Kinds() []domain.EventKind {
	h.mu.RLock()
	defer h.mu.RUnlock()

	kinds := make([]domain.EventKind, 0, len(h.handlers))
	for k, handlers := range h.handlers {
		if len(handlers) > 0 {
			kinds = append(kinds, k)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// Wait blocks until in-flight async deliveries finish.
func (h *Hub) Wait() { h.wg.Wait() }

// Close drains async deliveries and closes every sink.
func (h *Hub) Close() error {
	h.wg.Wait()

	h.mu.Lock()
	sinks := h.sinks
	h.sinks = nil
	h.mu.Unlock()

	var first error
	for _, s := range sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
