// Package natsbridge republishes engine events on NATS subjects of the form
// <prefix>.<case>.<event type>.
package natsbridge

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "phase"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefix sets the subject root.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) {
		if p := strings.Trim(strings.TrimSpace(prefix), "."); p != "" {
			b.prefix = p
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(logger phase.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge forwards sink events to a NATS publisher.
type Bridge struct {
	pub    Publisher
	prefix string
	logger phase.Logger

	mu        sync.Mutex
	sub       events.Subscription
	published int
	failed    int
}

// New builds a bridge around pub.
func New(pub Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		pub:    pub,
		prefix: DefaultPrefix,
		logger: phase.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, phase.NewError(phase.ErrInvalidConfiguration, "connect to NATS", err, map[string]any{
			"url": url,
		})
	}
	return conn, nil
}

// Attach subscribes the bridge to sink. Calling Attach again replaces the
// previous subscription.
func (b *Bridge) Attach(sink *events.Sink, types ...events.Type) {
	sub := sink.SubscribeFunc(func(e events.Event) {
		if err := b.Forward(e); err != nil {
			b.logger.Warn("nats publish %s failed: %v", e.Type, err)
		}
	}, types...)

	b.mu.Lock()
	prev := b.sub
	b.sub = sub
	b.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
}

// Subject returns the subject e is published on.
func (b *Bridge) Subject(e events.Event) string {
	caseID := token(e.CaseID)
	if caseID == "" {
		caseID = "_"
	}
	return b.prefix + "." + caseID + "." + string(e.Type)
}

// Forward publishes one event.
func (b *Bridge) Forward(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = b.pub.Publish(b.Subject(e), data)

	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.published++
	}
	b.mu.Unlock()
	return err
}

// Stats returns the number of published and failed events.
func (b *Bridge) Stats() (published, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.failed
}

// Close detaches from the sink and flushes the publisher when it supports it.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	if f, ok := b.pub.(flusher); ok {
		return f.FlushTimeout(2 * time.Second)
	}
	return nil
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
