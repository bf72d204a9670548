// Package collect provides a typed fan-out aggregator: many independently
// registered providers contribute partial results to one logical query.
//
// An Aggregator holds an ordered list of subscriptions. Invoke runs every
// accepted subscriber concurrently and gathers one Outcome per subscriber:
// a value, a captured failure, or a distinguished cancelled result. One
// subscriber failing or panicking never aborts its siblings or the Invoke
// call itself.
package collect

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dshills/talekit/internal/cancel"
)

// Handler computes one subscriber's contribution for an argument.
// The token, when non-nil, is shared across all subscribers of the same
// Invoke; handlers poll it at safe points and return cancel.ErrCancelled
// promptly once it is set.
type Handler[A, V any] func(ctx context.Context, tok *cancel.Token, arg A) (V, error)

// Filter is a predicate deciding whether a subscriber accepts an argument.
type Filter[A any] func(arg A) bool

// Outcome is one subscriber's result from an Invoke.
type Outcome[V any] struct {
	// SubscriptionID identifies the subscriber that produced this outcome.
	SubscriptionID string

	// Value is the subscriber's contribution when OK reports true.
	Value V

	// Err is the failure the subscriber returned, if any.
	Err error

	// Cancelled reports that the subscriber observed cancellation
	// rather than failing.
	Cancelled bool

	// Panicked reports that the subscriber panicked. PanicValue and
	// PanicStack carry the recovered value and stack trace.
	Panicked   bool
	PanicValue any
	PanicStack []byte

	// Duration is how long the subscriber ran.
	Duration time.Duration
}

// OK reports whether the outcome carries a usable value.
func (o Outcome[V]) OK() bool {
	return o.Err == nil && !o.Panicked && !o.Cancelled
}

// Values extracts the usable values from a set of outcomes, preserving
// their order.
func Values[V any](outcomes []Outcome[V]) []V {
	vals := make([]V, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// SubscribeOption configures a subscription.
type SubscribeOption[A any] func(*subscribeConfig[A])

type subscribeConfig[A any] struct {
	filter Filter[A]
	name   string
}

// WithFilter restricts the subscription to arguments the predicate accepts.
func WithFilter[A any](f Filter[A]) SubscribeOption[A] {
	return func(c *subscribeConfig[A]) {
		c.filter = f
	}
}

// WithName attaches a diagnostic name to the subscription, reported in logs
// alongside the generated id.
func WithName[A any](name string) SubscribeOption[A] {
	return func(c *subscribeConfig[A]) {
		c.name = name
	}
}

// Subscription is one registered provider on an Aggregator.
type Subscription[A, V any] struct {
	id      string
	name    string
	handler Handler[A, V]
	filter  Filter[A]
	owner   *Aggregator[A, V]
}

// ID returns the unique subscription identifier.
func (s *Subscription[A, V]) ID() string {
	return s.id
}

// Name returns the diagnostic name, or the empty string.
func (s *Subscription[A, V]) Name() string {
	return s.name
}

// Unsubscribe removes the subscription from its aggregator. It is safe to
// call more than once; an Invoke already in flight still completes with
// this subscriber included.
func (s *Subscription[A, V]) Unsubscribe() {
	s.owner.remove(s.id)
}

// accepts reports whether this subscription should run for an argument.
func (s *Subscription[A, V]) accepts(arg A) bool {
	return s.filter == nil || s.filter(arg)
}

// Aggregator fans one argument out to every accepted subscriber.
type Aggregator[A, V any] struct {
	mu     sync.RWMutex
	subs   []*Subscription[A, V]
	logger logr.Logger
}

// Option configures an Aggregator.
type Option func(*options)

type options struct {
	logger logr.Logger
}

// WithLogger sets the logger used for captured subscriber failures.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates an empty aggregator.
func New[A, V any](opts ...Option) *Aggregator[A, V] {
	cfg := options{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Aggregator[A, V]{logger: cfg.logger}
}

// Subscribe registers a handler and returns its subscription. Handlers run
// in registration order only in the sense that they are started in that
// order; completion order is unspecified.
func (a *Aggregator[A, V]) Subscribe(h Handler[A, V], opts ...SubscribeOption[A]) *Subscription[A, V] {
	if h == nil {
		return nil
	}

	var cfg subscribeConfig[A]
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription[A, V]{
		id:      uuid.New().String(),
		name:    cfg.name,
		handler: h,
		filter:  cfg.filter,
		owner:   a,
	}

	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()

	return sub
}

// remove deletes a subscription by id.
func (a *Aggregator[A, V]) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, sub := range a.subs {
		if sub.id == id {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of live subscriptions.
func (a *Aggregator[A, V]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subs)
}

// HasSubscribers reports whether at least one provider is registered.
// Capability assembly uses this to advertise a feature only when someone
// can actually serve it.
func (a *Aggregator[A, V]) HasSubscribers() bool {
	return a.Len() > 0
}

// Invoke runs every subscription that accepts arg concurrently and returns
// one Outcome per accepted subscriber, in completion order. It returns only
// when all of them have finished. The shared token is handed to each
// handler so a caller can cancel the whole fan-out (or build
// first-result-wins by cancelling it once satisfied); a nil token is
// replaced with a fresh one so handlers can poll unconditionally.
func (a *Aggregator[A, V]) Invoke(ctx context.Context, tok *cancel.Token, arg A) []Outcome[V] {
	if tok == nil {
		tok = cancel.NewToken()
	}

	a.mu.RLock()
	accepted := make([]*Subscription[A, V], 0, len(a.subs))
	for _, sub := range a.subs {
		if sub.accepts(arg) {
			accepted = append(accepted, sub)
		}
	}
	a.mu.RUnlock()

	if len(accepted) == 0 {
		return nil
	}

	results := make(chan Outcome[V], len(accepted))
	var wg sync.WaitGroup
	for _, sub := range accepted {
		wg.Add(1)
		go func(sub *Subscription[A, V]) {
			defer wg.Done()
			results <- a.run(ctx, tok, sub, arg)
		}(sub)
	}
	wg.Wait()
	close(results)

	outcomes := make([]Outcome[V], 0, len(accepted))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// run executes one subscriber with panic isolation.
func (a *Aggregator[A, V]) run(ctx context.Context, tok *cancel.Token, sub *Subscription[A, V], arg A) (out Outcome[V]) {
	out.SubscriptionID = sub.id
	start := time.Now()

	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Panicked = true
			out.PanicValue = r
			out.PanicStack = debug.Stack()
			a.logger.Error(nil, "provider panicked",
				"subscription", sub.id, "name", sub.name, "panic", r)
		}
	}()

	value, err := sub.handler(ctx, tok, arg)
	if err != nil {
		if errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled) {
			out.Cancelled = true
			out.Err = err
			return out
		}
		out.Err = err
		a.logger.Error(err, "provider failed",
			"subscription", sub.id, "name", sub.name)
		return out
	}

	out.Value = value
	return out
}
