package events

import (
	"sync"

	phase "github.com/goliatone/go-phase"
)

// Handler receives events on a subscriber's own goroutine.
type Handler func(Event)

// Subscription is returned by Subscribe. Channel subscriptions expose C;
// handler subscriptions return a nil channel.
type Subscription interface {
	C() <-chan Event
	Pending() int
	Unsubscribe()
}

// SubscribeOption narrows or redirects a subscription.
type SubscribeOption func(*subscriber)

// WithTypes only delivers the given event types. No types means all.
func WithTypes(types ...Type) SubscribeOption {
	return func(s *subscriber) {
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// ForCase only delivers events for caseID.
func ForCase(caseID string) SubscribeOption {
	return func(s *subscriber) {
		s.caseID = caseID
	}
}

// WithHandler delivers through fn instead of a channel.
func WithHandler(fn Handler) SubscribeOption {
	return func(s *subscriber) {
		s.handler = fn
	}
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger used for handler panics.
func WithLogger(logger phase.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Sink fans published events out to subscribers. Publish never blocks.
type Sink struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	logger       phase.Logger
	recoverPanic func(funcName string, fields ...map[string]any)
}

// NewSink builds an open sink.
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		subs:   make(map[uint64]*subscriber),
		logger: phase.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.recoverPanic = phase.MakePanicHandler(phase.LoggerPanicLogger(s.logger))
	return s
}

// Subscribe returns a channel subscription for the given types.
func (s *Sink) Subscribe(types ...Type) Subscription {
	return s.SubscribeWith(WithTypes(types...))
}

// SubscribeFunc delivers matching events to fn in publish order.
func (s *Sink) SubscribeFunc(fn Handler, types ...Type) Subscription {
	return s.SubscribeWith(WithHandler(fn), WithTypes(types...))
}

// SubscribeWith registers a subscriber built from opts. Subscribing to a
// closed sink returns an already-closed subscription.
func (s *Sink) SubscribeWith(opts ...SubscribeOption) Subscription {
	sub := &subscriber{
		sink:   s,
		types:  make(map[Type]struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	if sub.handler == nil {
		sub.out = make(chan Event)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.stop()
		if sub.out != nil {
			close(sub.out)
		}
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.run()
	return sub
}

// Publish enqueues e on every matching subscriber.
func (s *Sink) Publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		if sub.matches(e) {
			sub.enqueue(e.Clone())
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Sink) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close stops every subscriber. Undelivered events are dropped and channel
// subscriptions are closed.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *Sink) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

type subscriber struct {
	id      uint64
	sink    *Sink
	types   map[Type]struct{}
	caseID  string
	handler Handler
	out     chan Event

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) C() <-chan Event { return s.out }

func (s *subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscriber) Unsubscribe() {
	s.sink.remove(s.id)
	s.stop()
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) matches(e Event) bool {
	if s.caseID != "" && s.caseID != e.CaseID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[e.Type]
	return ok
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return e, true
}

func (s *subscriber) run() {
	if s.out != nil {
		defer close(s.out)
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			e, ok := s.next()
			if !ok {
				break
			}
			if !s.deliver(e) {
				return
			}
		}
	}
}

func (s *subscriber) deliver(e Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	if s.handler == nil {
		select {
		case s.out <- e:
			return true
		case <-s.done:
			return false
		}
	}

	func() {
		defer s.sink.recoverPanic("events.handler", map[string]any{
			"event_type": string(e.Type),
			"case_id":    e.CaseID,
		})
		s.handler(e)
	}()
	return true
}
