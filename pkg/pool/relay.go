package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/ratelimit"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// maxRedialBackoff caps the delay between reconnection attempts for a
// relay that still carries subscriptions
const maxRedialBackoff = 30 * time.Second

// okAck is a relay's OK response to a published event
type okAck struct {
	accepted bool
	reason   string
}

// Relay wraps a single relay connection. The websocket is dialed
// lazily on first subscribe/publish and may be re-dialed after the
// relay drops it.
type Relay struct {
	url  string
	opts *Options

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]*Subscription
	pending  map[string]chan okAck // event ID -> OK waiter
	lastUsed time.Time
	closed   bool

	writeMu sync.Mutex
	limiter *ratelimit.Bucket
}

func newRelay(url string, opts *Options) *Relay {
	return &Relay{
		url:      url,
		opts:     opts,
		subs:     make(map[string]*Subscription),
		pending:  make(map[string]chan okAck),
		lastUsed: time.Now(),
		limiter:  ratelimit.NewBucketWithRate(opts.WriteRate, opts.WriteBurst),
	}
}

// ensureConn dials the relay if no live connection exists
func (r *Relay) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	r.lastUsed = time.Now()
	if r.conn != nil {
		return r.conn, nil
	}

	dialCtx, cancel := r.bounded(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", r.url, err)
	}

	r.conn = conn
	go r.readLoop(conn)

	// Subscriptions registered before a drop must survive the re-dial,
	// so their REQs are re-issued on the fresh connection.
	for _, sub := range r.subs {
		if err := r.writeJSON(dialCtx, conn, reqFrame(sub)); err != nil {
			log.Printf("pool: failed to restore subscription %s on %s: %v", sub.ID, r.url, err)
		}
	}
	return conn, nil
}

// reqFrame builds the REQ message for a subscription
func reqFrame(sub *Subscription) []interface{} {
	req := make([]interface{}, 0, 2+len(sub.filters))
	req = append(req, "REQ", sub.ID)
	for _, f := range sub.filters {
		req = append(req, f)
	}
	return req
}

// bounded applies the pool IOTimeout unless the context already has an
// earlier deadline
func (r *Relay) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= r.opts.IOTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.IOTimeout)
}

// writeJSON sends one frame, throttled by the per-connection limiter
func (r *Relay) writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	if wait := r.limiter.Take(1); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(r.opts.IOTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}

// subscribe registers the subscription and issues its REQ
func (r *Relay) subscribe(ctx context.Context, sub *Subscription) error {
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	reqCtx, cancel := r.bounded(ctx)
	defer cancel()
	if err := r.writeJSON(reqCtx, conn, reqFrame(sub)); err != nil {
		r.removeSub(sub.ID)
		return fmt.Errorf("failed to send REQ: %w", err)
	}
	return nil
}

// unsubscribe removes the subscription from the active set and sends a
// best-effort CLOSE. Safe to call for subscriptions the relay no
// longer tracks.
func (r *Relay) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	_, active := r.subs[sub.ID]
	delete(r.subs, sub.ID)
	conn := r.conn
	closed := r.closed
	r.mu.Unlock()

	if !active || closed || conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.IOTimeout)
	defer cancel()
	if err := r.writeJSON(ctx, conn, []interface{}{"CLOSE", sub.ID}); err != nil {
		log.Printf("pool: CLOSE to %s failed: %v", r.url, err)
	}
}

func (r *Relay) removeSub(subID string) {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()
}

// publish sends the event and waits for the relay's OK ack
func (r *Relay) publish(ctx context.Context, evt *event.Event) error {
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return err
	}

	ack := make(chan okAck, 1)
	r.mu.Lock()
	r.pending[evt.ID] = ack
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, evt.ID)
		r.mu.Unlock()
	}()

	pubCtx, cancel := r.bounded(ctx)
	defer cancel()

	if err := r.writeJSON(pubCtx, conn, []interface{}{"EVENT", evt}); err != nil {
		return fmt.Errorf("failed to send EVENT: %w", err)
	}

	select {
	case res := <-ack:
		if !res.accepted {
			return fmt.Errorf("relay rejected event: %s", res.reason)
		}
		return nil
	case <-pubCtx.Done():
		return fmt.Errorf("timed out waiting for OK: %w", pubCtx.Err())
	}
}

// readLoop reads frames from one connection until it fails, routing
// EVENT/EOSE to subscriptions and OK to pending publishes
func (r *Relay) readLoop(conn *websocket.Conn) {
	defer r.dropConn(conn)

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed && !errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("pool: read error from %s: %v", r.url, err)
			}
			return
		}

		r.mu.Lock()
		r.lastUsed = time.Now()
		r.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var evt event.Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				continue
			}

			r.mu.Lock()
			sub := r.subs[subID]
			r.mu.Unlock()
			if sub != nil {
				sub.deliver(r.url, &evt)
			}

		case "EOSE":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}

			r.mu.Lock()
			sub := r.subs[subID]
			r.mu.Unlock()
			if sub != nil {
				sub.eose(r.url)
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			var eventID string
			var accepted bool
			if err := json.Unmarshal(msg[1], &eventID); err != nil {
				continue
			}
			if err := json.Unmarshal(msg[2], &accepted); err != nil {
				continue
			}
			var reason string
			if len(msg) >= 4 {
				json.Unmarshal(msg[3], &reason)
			}

			r.mu.Lock()
			ack := r.pending[eventID]
			r.mu.Unlock()
			if ack != nil {
				select {
				case ack <- okAck{accepted: accepted, reason: reason}:
				default:
				}
			}

		case "CLOSED":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			r.removeSub(subID)

		case "NOTICE":
			var notice string
			json.Unmarshal(msg[1], &notice)
			log.Printf("pool: NOTICE from %s: %s", r.url, notice)
		}
	}
}

// dropConn discards a dead connection so the next operation re-dials.
// A relay still carrying subscriptions gets re-dialed eagerly; waiting
// for the next publish would leave those subscriptions silent.
func (r *Relay) dropConn(conn *websocket.Conn) {
	conn.Close()

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	stranded := r.conn == nil && !r.closed && len(r.subs) > 0
	r.mu.Unlock()

	if stranded {
		go r.redial()
	}
}

// redial restores the connection after a drop, backing off between
// attempts, until it succeeds or no subscription needs it anymore
func (r *Relay) redial() {
	backoff := time.Second
	for {
		r.mu.Lock()
		needed := !r.closed && r.conn == nil && len(r.subs) > 0
		r.mu.Unlock()
		if !needed {
			return
		}

		if _, err := r.ensureConn(context.Background()); err == nil {
			return
		}

		time.Sleep(backoff)
		if backoff < maxRedialBackoff {
			backoff *= 2
		}
	}
}

// activeSubs reports how many subscriptions the relay is serving
func (r *Relay) activeSubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// hasSub reports whether the relay tracks the given subscription ID
func (r *Relay) hasSub(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[subID]
	return ok
}

// idleSince returns how long the relay has been idle, or zero while it
// still serves subscriptions
func (r *Relay) idleSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return 0
	}
	return now.Sub(r.lastUsed)
}

// close tears the connection down and detaches all subscriptions
func (r *Relay) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
