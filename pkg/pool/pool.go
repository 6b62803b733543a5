// Package pool implements the client-side relay pool manager: it owns
// a set of lazily-connected relay connections, multiplexes
// subscriptions across them, verifies and de-duplicates incoming
// events, fans out publishes, and garbage-collects idle connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

var (
	// ErrNotReadable is returned by Subscribe on a pool constructed
	// with Readable: false
	ErrNotReadable = errors.New("pool is not configured as readable")

	// ErrNotWritable is returned by Publish on a pool constructed
	// with Writable: false
	ErrNotWritable = errors.New("pool is not configured as writable")

	// ErrNoRelays is returned when an operation has no target relays
	ErrNoRelays = errors.New("no relays available")

	// ErrClosed is returned by operations on a closed pool
	ErrClosed = errors.New("pool is closed")
)

// Options configures a Pool
type Options struct {
	// Readable enables Subscribe. Writable enables Publish.
	Readable bool
	Writable bool

	// KeepAlive is how long a connection with no subscriptions may sit
	// idle before the GC sweep closes and evicts it
	KeepAlive time.Duration

	// GCInterval is how often the idle sweep runs
	GCInterval time.Duration

	// IOTimeout bounds every relay I/O operation (dial, REQ, EVENT
	// write, OK wait) when the caller's context has no earlier deadline
	IOTimeout time.Duration

	// WriteRate and WriteBurst throttle outbound frames per connection
	// so a busy session cannot flood a relay
	WriteRate  float64
	WriteBurst int64
}

func (o *Options) fillDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 3 * time.Minute
	}
	if o.GCInterval <= 0 {
		o.GCInterval = time.Minute
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 10 * time.Second
	}
	if o.WriteRate <= 0 {
		o.WriteRate = 25
	}
	if o.WriteBurst <= 0 {
		o.WriteBurst = 50
	}
}

// Pool manages connections to multiple relays
type Pool struct {
	opts Options

	mu     sync.RWMutex
	relays map[string]*Relay
	closed bool

	gcStop chan struct{}
}

// New creates a relay pool. A background goroutine sweeps idle
// connections until Close is called.
func New(opts Options) *Pool {
	opts.fillDefaults()
	p := &Pool{
		opts:   opts,
		relays: make(map[string]*Relay),
		gcStop: make(chan struct{}),
	}
	go p.gcLoop()
	return p
}

// NormalizeRelayURL validates and canonicalizes a relay URL. Only ws
// and wss schemes are accepted; a trailing slash is stripped so the
// same relay never appears twice under two spellings.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", raw, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid relay URL %q: scheme must be ws or wss", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q: missing host", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// AddRelay registers a relay URL. Adding an already-present URL is a
// no-op. The connection is not dialed until first use.
func (p *Pool) AddRelay(rawURL string) error {
	normalized, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, exists := p.relays[normalized]; exists {
		return nil
	}

	p.relays[normalized] = newRelay(normalized, &p.opts)
	return nil
}

// AddRelays registers multiple relay URLs, skipping malformed ones
func (p *Pool) AddRelays(urls []string) {
	for _, u := range urls {
		if err := p.AddRelay(u); err != nil {
			log.Printf("pool: skipping relay %q: %v", u, err)
		}
	}
}

// RemoveRelay closes and evicts a relay connection
func (p *Pool) RemoveRelay(rawURL string) {
	normalized, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return
	}

	p.mu.Lock()
	r := p.relays[normalized]
	delete(p.relays, normalized)
	p.mu.Unlock()

	if r != nil {
		r.close()
	}
}

// RelayURLs returns the URLs of all known relays
func (p *Pool) RelayURLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.relays))
	for u := range p.relays {
		urls = append(urls, u)
	}
	return urls
}

// targets resolves the relay set for an operation: the given URLs, or
// every known relay when none are given. Unknown URLs are added on the
// fly so ephemeral relay hints can be used directly.
func (p *Pool) targets(relayURLs []string) ([]*Relay, error) {
	if len(relayURLs) > 0 {
		p.AddRelays(relayURLs)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	var relays []*Relay
	if len(relayURLs) == 0 {
		for _, r := range p.relays {
			relays = append(relays, r)
		}
	} else {
		for _, raw := range relayURLs {
			normalized, err := NormalizeRelayURL(raw)
			if err != nil {
				continue
			}
			if r, ok := p.relays[normalized]; ok {
				relays = append(relays, r)
			}
		}
	}

	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return relays, nil
}

// SubscriptionCallbacks receive subscription traffic. OnEvent is only
// invoked for events that passed signature verification; both
// callbacks run on the owning connection's read goroutine, so per-relay
// delivery order is preserved.
type SubscriptionCallbacks struct {
	OnEvent func(relayURL string, evt *event.Event)
	OnEOSE  func(relayURL string)
}

// Subscribe opens a subscription with the given filters on the target
// relays (default: all known relays). Incoming events are signature
// verified, filter checked, and de-duplicated across relays before
// delivery; events failing any gate are dropped silently. Per-relay
// connect failures are logged and skipped; Subscribe fails only when
// every target relay fails.
func (p *Pool) Subscribe(ctx context.Context, filters []*event.Filter, cb SubscriptionCallbacks, relayURLs ...string) (*Subscription, error) {
	if !p.opts.Readable {
		return nil, ErrNotReadable
	}

	relays, err := p.targets(relayURLs)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(filters, cb)

	var errs []error
	for _, r := range relays {
		if err := r.subscribe(ctx, sub); err != nil {
			log.Printf("pool: subscribe on %s failed: %v", r.url, err)
			errs = append(errs, fmt.Errorf("%s: %w", r.url, err))
			continue
		}
		sub.attach(r)
	}

	if len(errs) == len(relays) {
		return nil, fmt.Errorf("subscribe failed on all relays: %w", errors.Join(errs...))
	}
	return sub, nil
}

// Publish sends the event to every target relay in parallel and
// returns nil as soon as at least one relay acknowledges it. Callers
// needing confirmed multi-relay delivery must check acks themselves;
// availability is favored over total delivery. An error is returned
// only when every targeted relay fails or rejects the event.
func (p *Pool) Publish(ctx context.Context, evt *event.Event, relayURLs ...string) error {
	if !p.opts.Writable {
		return ErrNotWritable
	}

	relays, err := p.targets(relayURLs)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	type result struct {
		url string
		err error
	}
	results := make(chan result, len(relays))

	for _, r := range relays {
		go func(r *Relay) {
			results <- result{url: r.url, err: r.publish(ctx, evt)}
		}(r)
	}

	var errs []error
	for range relays {
		res := <-results
		if res.err == nil {
			// At least one relay accepted; remaining publishes keep
			// running in the background.
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", res.url, res.err))
	}

	return fmt.Errorf("publish failed on all relays: %w", errors.Join(errs...))
}

// Close closes every relay connection and active subscription and
// clears the relay set. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	relays := p.relays
	p.relays = make(map[string]*Relay)
	p.mu.Unlock()

	close(p.gcStop)
	for _, r := range relays {
		r.close()
	}
}

// gcLoop periodically evicts connections that have been idle with no
// subscriptions for longer than KeepAlive. This bounds resource usage
// for long-lived sessions that accumulate ephemeral relay hints.
func (p *Pool) gcLoop() {
	ticker := time.NewTicker(p.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.gcStop:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()

	p.mu.Lock()
	var evicted []*Relay
	for u, r := range p.relays {
		if r.idleSince(now) > p.opts.KeepAlive {
			evicted = append(evicted, r)
			delete(p.relays, u)
		}
	}
	p.mu.Unlock()

	for _, r := range evicted {
		log.Printf("pool: closing idle relay %s", r.url)
		r.close()
	}
}
