package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// FakeRelay is an in-process relay for pool and messenger tests. It
// accepts EVENT/REQ/CLOSE, stores published events, answers OK and
// EOSE, and lets tests inject events into open subscriptions.
type FakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// RejectPublishes makes the relay answer OK=false to every EVENT
	RejectPublishes bool

	mu     sync.Mutex
	events []*event.Event
	subs   map[*fakeSub]struct{}
	conns  map[*websocket.Conn]struct{}
}

type fakeSub struct {
	conn    *websocket.Conn
	writeMu *sync.Mutex
	subID   string
	filters []*event.Filter
}

// NewFakeRelay starts an in-process relay
func NewFakeRelay() *FakeRelay {
	f := &FakeRelay{
		subs:  make(map[*fakeSub]struct{}),
		conns: make(map[*websocket.Conn]struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL returns the relay's ws:// URL
func (f *FakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// Close shuts the relay down
func (f *FakeRelay) Close() {
	f.server.Close()
}

// Events returns every event the relay accepted
func (f *FakeRelay) Events() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*event.Event, len(f.events))
	copy(out, f.events)
	return out
}

// SubscriptionCount returns the number of open subscriptions
func (f *FakeRelay) SubscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// DropConnections severs every open connection, as a relay restart
// would. The server stays up for clients that re-dial.
func (f *FakeRelay) DropConnections() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Inject delivers an event to every open subscription whose filters
// match it
func (f *FakeRelay) Inject(evt *event.Event) {
	f.deliver(evt, true)
}

// InjectRaw delivers an event to every open subscription ignoring
// filters, to exercise client-side gates
func (f *FakeRelay) InjectRaw(evt *event.Event) {
	f.deliver(evt, false)
}

func (f *FakeRelay) deliver(evt *event.Event, checkFilters bool) {
	f.mu.Lock()
	subs := make([]*fakeSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if checkFilters && !matchesAny(evt, s.filters) {
			continue
		}
		s.writeMu.Lock()
		s.conn.WriteJSON([]interface{}{"EVENT", s.subID, evt})
		s.writeMu.Unlock()
	}
}

func matchesAny(evt *event.Event, filters []*event.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if evt.Matches(f) {
			return true
		}
	}
	return false
}

func (f *FakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()

	writeMu := &sync.Mutex{}
	connSubs := make(map[string]*fakeSub)
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		for _, s := range connSubs {
			delete(f.subs, s)
		}
		f.mu.Unlock()
	}()

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			var evt event.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}

			accepted := !f.RejectPublishes
			reason := ""
			if !accepted {
				reason = "blocked: rejecting all events"
			} else {
				f.mu.Lock()
				f.events = append(f.events, &evt)
				f.mu.Unlock()
			}

			writeMu.Lock()
			conn.WriteJSON([]interface{}{"OK", evt.ID, accepted, reason})
			writeMu.Unlock()

			if accepted {
				f.deliver(&evt, true)
			}

		case "REQ":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var filters []*event.Filter
			for _, raw := range msg[2:] {
				var filter event.Filter
				if err := json.Unmarshal(raw, &filter); err == nil {
					filters = append(filters, &filter)
				}
			}

			sub := &fakeSub{conn: conn, writeMu: writeMu, subID: subID, filters: filters}
			f.mu.Lock()
			f.subs[sub] = struct{}{}
			connSubs[subID] = sub
			stored := make([]*event.Event, len(f.events))
			copy(stored, f.events)
			f.mu.Unlock()

			writeMu.Lock()
			for _, evt := range stored {
				if matchesAny(evt, filters) {
					conn.WriteJSON([]interface{}{"EVENT", subID, evt})
				}
			}
			conn.WriteJSON([]interface{}{"EOSE", subID})
			writeMu.Unlock()

		case "CLOSE":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			f.mu.Lock()
			if s, ok := connSubs[subID]; ok {
				delete(f.subs, s)
				delete(connSubs, subID)
			}
			f.mu.Unlock()
		}
	}
}
