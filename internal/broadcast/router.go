// Package broadcast fans published chat messages out to every subscriber.
//
// Each subscriber owns a bounded queue. Publish never blocks: when a queue is
// full the subscription is closed with ErrSubscriberLagged instead of
// silently skipping messages, so whatever a subscriber does receive is a gap
// free prefix of what was published after it subscribed.
package broadcast

import (
	"errors"
	"sync"

	"github.com/Tyrowin/lobbychat/internal/protocol"
)

// DefaultBuffer is the per-subscriber queue capacity used when none is given.
const DefaultBuffer = 256

// ErrSubscriberLagged is reported by Subscription.Err when the subscriber's
// queue overflowed.
var ErrSubscriberLagged = errors.New("broadcast: subscriber queue overflowed")

// Router is a publish point with independent per-subscriber queues.
type Router struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewRouter creates a Router whose subscribers each buffer up to buffer
// messages. Non-positive values select DefaultBuffer.
func NewRouter(buffer int) *Router {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is one subscriber's receive endpoint.
type Subscription struct {
	router     *Router
	ch         chan protocol.ChatMessage
	onOverflow func()

	mu     sync.Mutex
	closed bool
	err    error
}

// Subscribe returns an endpoint that observes every message published from
// now on.
func (r *Router) Subscribe() *Subscription {
	return r.SubscribeNotify(nil)
}

// SubscribeNotify is Subscribe with a hook that runs once, on the publishing
// goroutine, when the subscription is dropped for overflowing. A consumer
// stuck in a blocking write never sees C close, so the hook is how it learns
// to give up. onOverflow must not block.
func (r *Router) SubscribeNotify(onOverflow func()) *Subscription {
	sub := &Subscription{
		router:     r,
		ch:         make(chan protocol.ChatMessage, r.buffer),
		onOverflow: onOverflow,
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	return sub
}

// Publish queues msg for every current subscriber and returns how many
// subscribers accepted it. Subscribers whose queue is full are dropped.
func (r *Router) Publish(msg protocol.ChatMessage) int {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	var lagged []*Subscription
	for _, sub := range subs {
		ok, overflowed := sub.deliver(msg)
		if ok {
			delivered++
		}
		if overflowed {
			lagged = append(lagged, sub)
		}
	}

	for _, sub := range lagged {
		r.remove(sub)
		if sub.onOverflow != nil {
			sub.onOverflow()
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

func (s *Subscription) deliver(msg protocol.ChatMessage) (ok, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	select {
	case s.ch <- msg:
		return true, false
	default:
		s.closed = true
		s.err = ErrSubscriberLagged
		close(s.ch)
		return false, true
	}
}

// C returns the channel messages arrive on. It is closed after Close or
// after an overflow; Err tells the two apart.
func (s *Subscription) C() <-chan protocol.ChatMessage {
	return s.ch
}

// Err returns ErrSubscriberLagged if the subscription was dropped for falling
// behind, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Close unsubscribes. Messages already queued remain readable from C.
// Close is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	s.router.remove(s)
}
