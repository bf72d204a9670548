// Package cancel provides cooperative, poll-based cancellation for
// request-scoped work.
//
// A Token is a flag shared between the code that may request
// cancellation (a dispatcher routing a cancel notification, a
// connection shutting down) and the code doing the work. Cancellation
// is advisory: workers poll the token at safe points and wind down
// promptly when it is set. Nothing is preempted.
package cancel

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by Token.Err and by work that stopped
// because its token was set.
var ErrCancelled = errors.New("operation cancelled")

// Token is a cooperative cancellation flag. The zero value is not
// usable; create tokens with NewToken or Registry.Register.
type Token struct {
	set  atomic.Bool
	done chan struct{}
	once sync.Once
}

// NewToken returns a token in the not-cancelled state.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token. It is safe to call multiple times and from
// multiple goroutines; only the first call has any effect.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.set.Store(true)
		close(t.done)
	})
}

// Cancelled reports whether the token has been set.
func (t *Token) Cancelled() bool {
	return t.set.Load()
}

// Err returns ErrCancelled if the token has been set, nil otherwise.
// Long-running work calls this between units of work:
//
//	if err := tok.Err(); err != nil {
//		return err
//	}
func (t *Token) Err() error {
	if t.set.Load() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed when the token is set, for use in
// select statements alongside other wait conditions.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Registry tracks live tokens by request key. The dispatcher registers
// a token when a request begins executing and releases it once the
// response is out; a cancel notification arriving in between finds the
// token here. Cancelling a key that is absent (never registered, or
// already released because the request completed) is a silent no-op.
type Registry[K comparable] struct {
	mu     sync.Mutex
	tokens map[K]*Token
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{tokens: make(map[K]*Token)}
}

// Register creates a token for key and tracks it until Release. If the
// key is already present its existing token is returned.
func (r *Registry[K]) Register(key K) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[key]; ok {
		return t
	}
	t := NewToken()
	r.tokens[key] = t
	return t
}

// Cancel sets the token for key and reports whether one was live.
func (r *Registry[K]) Cancel(key K) bool {
	r.mu.Lock()
	t, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Release stops tracking key. The token itself remains valid for any
// goroutine still holding it.
func (r *Registry[K]) Release(key K) {
	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()
}

// CancelAll sets every live token. Used at connection shutdown to ask
// all in-flight work to stop.
func (r *Registry[K]) CancelAll() {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()
	for _, t := range tokens {
		t.Cancel()
	}
}

// Len returns the number of live tokens.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
