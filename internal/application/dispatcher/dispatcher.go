// Package dispatcher fans appended workflow events out to subscribed
// handlers. The engine dispatches asynchronously after the durable append,
// so handlers (notifications, entity-side reactions) never sit inside the
// signal path.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/domain/event"
)

// Handler processes one workflow event
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo carries a registered handler and its name for debugging
type HandlerInfo struct {
	Name      string
	EventType event.Type
	Handler   Handler
}

// allEvents is the internal key for handlers subscribed to every event type
const allEvents event.Type = "*"

// Dispatcher routes workflow events to registered handlers
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[event.Type][]HandlerInfo
	logger   *zap.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event dispatcher
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[event.Type][]HandlerInfo),
		logger:   logger,
	}
}

// Subscribe registers a named handler for one event type
func (d *Dispatcher) Subscribe(eventType event.Type, name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], HandlerInfo{
		Name:      name,
		EventType: eventType,
		Handler:   handler,
	})
	d.logger.Info("Event handler registered",
		zap.String("event_type", eventType.String()),
		zap.String("handler", name))
}

// SubscribeAll registers a named handler for every event type. The notifier
// adapter uses this to forward all appended events.
func (d *Dispatcher) SubscribeAll(name string, handler Handler) {
	d.Subscribe(allEvents, name, handler)
}

// handlersFor returns the handlers interested in an event type
func (d *Dispatcher) handlersFor(eventType event.Type) []HandlerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	typed := d.handlers[eventType]
	wild := d.handlers[allEvents]
	if len(wild) == 0 {
		return typed
	}
	combined := make([]HandlerInfo, 0, len(typed)+len(wild))
	combined = append(combined, typed...)
	combined = append(combined, wild...)
	return combined
}

// Dispatch sends the event to all interested handlers synchronously,
// returning the first handler error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}

	for _, info := range d.handlersFor(evt.Type) {
		if err := d.safeExecute(ctx, evt, info); err != nil {
			return fmt.Errorf("handler %s failed: %w", info.Name, err)
		}
	}
	return nil
}

// DispatchAsync sends the event to handlers without waiting for them.
// Handler errors are logged, never propagated: the event is already durable.
func (d *Dispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	if d.closed.Load() {
		d.logger.Warn("Dropping event, dispatcher is closed",
			zap.String("event_type", evt.Type.String()),
			zap.String("event_id", evt.ID))
		return
	}

	for _, info := range d.handlersFor(evt.Type) {
		d.wg.Add(1)
		go func(h HandlerInfo) {
			defer d.wg.Done()
			if err := d.safeExecute(ctx, evt, h); err != nil {
				d.logger.Error("Async handler error",
					zap.String("event_type", evt.Type.String()),
					zap.String("event_id", evt.ID),
					zap.String("handler", h.Name),
					zap.Error(err))
			}
		}(info)
	}
}

// safeExecute runs one handler, converting panics into errors
func (d *Dispatcher) safeExecute(ctx context.Context, evt *event.Event, info HandlerInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", info.Name, r)
		}
	}()
	return info.Handler(ctx, evt)
}

// Close stops accepting events and waits for in-flight async handlers
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already closed")
	}
	d.wg.Wait()
	return nil
}
