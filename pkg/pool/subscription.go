package pool

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// Subscription is the handle returned by Pool.Subscribe. One
// subscription may span several relays; events are de-duplicated by ID
// across them.
type Subscription struct {
	ID      string
	filters []*event.Filter
	cb      SubscriptionCallbacks

	mu     sync.Mutex
	relays []*Relay
	seen   map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscription(filters []*event.Filter, cb SubscriptionCallbacks) *Subscription {
	return &Subscription{
		ID:      newSubID(),
		filters: filters,
		cb:      cb,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

func newSubID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// attach records a relay this subscription is active on
func (s *Subscription) attach(r *Relay) {
	s.mu.Lock()
	s.relays = append(s.relays, r)
	s.mu.Unlock()
}

// deliver runs the verification gate and forwards the event to the
// caller. Events with a bad signature, events not matching the
// subscription filters, and cross-relay duplicates are dropped.
func (s *Subscription) deliver(relayURL string, evt *event.Event) {
	select {
	case <-s.done:
		return
	default:
	}

	if evt.Validate() != nil {
		return
	}

	if len(s.filters) > 0 {
		matched := false
		for _, f := range s.filters {
			if evt.Matches(f) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}

	s.mu.Lock()
	if _, dup := s.seen[evt.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[evt.ID] = struct{}{}
	s.mu.Unlock()

	if s.cb.OnEvent != nil {
		s.cb.OnEvent(relayURL, evt)
	}
}

// eose forwards end-of-stored-events for one relay
func (s *Subscription) eose(relayURL string) {
	select {
	case <-s.done:
		return
	default:
	}
	if s.cb.OnEOSE != nil {
		s.cb.OnEOSE(relayURL)
	}
}

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes from every relay and removes the subscription
// from their active sets so idle GC can reclaim the connections.
// Idempotent; safe to call from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		relays := s.relays
		s.relays = nil
		s.mu.Unlock()

		for _, r := range relays {
			r.unsubscribe(s)
		}
	})
}
