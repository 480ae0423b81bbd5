package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweetshark/sweetshark/internal/logger"
)

// EventBus routes events to subscribers. Delivery is asynchronous: a
// dedicated goroutine drains the buffer so publishers never block on slow
// handlers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(event Event)
	Subscribe(filter EventFilter, subscriber string, handler EventHandler) (*Subscription, error)
	Unsubscribe(subscriptionID string) error
	Stats() Stats
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type eventBus struct {
	config Config

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	running       bool

	ch      chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stats   Stats
	statsMu sync.Mutex
}

// NewEventBus creates a bus with the given configuration.
func NewEventBus(config Config) EventBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	return &eventBus{
		config:        config,
		subscriptions: make(map[string]*Subscription),
		ch:            make(chan Event, config.BufferSize),
		stopCh:        make(chan struct{}),
		stats:         Stats{EventsByType: make(map[string]int64)},
	}
}

func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return fmt.Errorf("event bus is already running")
	}
	eb.running = true
	eb.stopCh = make(chan struct{})
	eb.wg.Add(1)
	go eb.process()
	return nil
}

func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopCh)

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is not running")
	}

	event = eb.stamp(event)
	select {
	case eb.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync enqueues without blocking; the event is dropped (and
// counted) if the buffer is full.
func (eb *eventBus) PublishAsync(event Event) {
	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return
	}

	event = eb.stamp(event)
	select {
	case eb.ch <- event:
	default:
		eb.statsMu.Lock()
		eb.stats.DroppedEvents++
		eb.statsMu.Unlock()
		logger.Warn("event bus buffer full, dropping event", logger.String("type", string(event.Type)))
	}
}

func (eb *eventBus) Subscribe(filter EventFilter, subscriber string, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	sub := &Subscription{
		ID:         uuid.NewString(),
		Filter:     filter,
		Handler:    handler,
		Subscriber: subscriber,
		Created:    time.Now(),
	}
	eb.mu.Lock()
	eb.subscriptions[sub.ID] = sub
	eb.mu.Unlock()
	return sub, nil
}

func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if _, ok := eb.subscriptions[subscriptionID]; !ok {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)
	return nil
}

func (eb *eventBus) Stats() Stats {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()
	eb.mu.RLock()
	subs := len(eb.subscriptions)
	eb.mu.RUnlock()

	out := Stats{
		TotalEvents:         eb.stats.TotalEvents,
		DroppedEvents:       eb.stats.DroppedEvents,
		EventsByType:        make(map[string]int64, len(eb.stats.EventsByType)),
		ActiveSubscriptions: subs,
	}
	for k, v := range eb.stats.EventsByType {
		out.EventsByType[k] = v
	}
	return out
}

func (eb *eventBus) stamp(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event
}

func (eb *eventBus) process() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-eb.ch:
					eb.dispatch(ev)
				default:
					return
				}
			}
		case ev := <-eb.ch:
			eb.dispatch(ev)
		}
	}
}

func (eb *eventBus) dispatch(event Event) {
	eb.statsMu.Lock()
	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++
	eb.statsMu.Unlock()

	eb.mu.RLock()
	subs := make([]*Subscription, 0, len(eb.subscriptions))
	for _, s := range eb.subscriptions {
		if s.Filter.Matches(event) {
			subs = append(subs, s)
		}
	}
	eb.mu.RUnlock()

	for _, s := range subs {
		if err := s.Handler(event); err != nil {
			logger.Warn("event handler failed",
				logger.String("subscriber", s.Subscriber),
				logger.String("type", string(event.Type)),
				logger.Err(err))
		}
	}
}
