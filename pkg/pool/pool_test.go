package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopstr-eng/shopstr-core/internal/testutil"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
)

func awaitEOSE(t *testing.T, eose <-chan string) {
	t.Helper()
	select {
	case <-eose:
	case <-time.After(3 * time.Second):
		t.Fatal("no EOSE received")
	}
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Options{Readable: true, Writable: true, IOTimeout: 3 * time.Second})
	t.Cleanup(p.Close)
	return p
}

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{"wss accepted", "wss://relay.example.com", "wss://relay.example.com", false},
		{"ws accepted", "ws://localhost:8080", "ws://localhost:8080", false},
		{"trailing slash stripped", "wss://relay.example.com/", "wss://relay.example.com", false},
		{"surrounding whitespace", "  wss://relay.example.com ", "wss://relay.example.com", false},
		{"http rejected", "http://relay.example.com", "", true},
		{"missing scheme", "relay.example.com", "", true},
		{"missing host", "wss://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pool.NormalizeRelayURL(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAddRelayIdempotent(t *testing.T) {
	p := newTestPool(t)

	require.NoError(t, p.AddRelay("wss://relay.example.com"))
	require.NoError(t, p.AddRelay("wss://relay.example.com"))
	require.NoError(t, p.AddRelay("wss://relay.example.com/"))

	assert.Equal(t, []string{"wss://relay.example.com"}, p.RelayURLs())
}

func TestAddRelaysSkipsMalformed(t *testing.T) {
	p := newTestPool(t)

	p.AddRelays([]string{"wss://good.example.com", "http://bad.example.com", "ws://also-good.example.com"})

	urls := p.RelayURLs()
	assert.Len(t, urls, 2)
	assert.Contains(t, urls, "wss://good.example.com")
	assert.Contains(t, urls, "ws://also-good.example.com")
}

func TestSubscribeRequiresReadable(t *testing.T) {
	p := pool.New(pool.Options{Writable: true})
	defer p.Close()

	_, err := p.Subscribe(context.Background(), nil, pool.SubscriptionCallbacks{})
	assert.ErrorIs(t, err, pool.ErrNotReadable)
}

func TestPublishRequiresWritable(t *testing.T) {
	p := pool.New(pool.Options{Readable: true})
	defer p.Close()

	evt, _ := testutil.MustNewTestEvent(1, "x", nil)
	err := p.Publish(context.Background(), evt)
	assert.ErrorIs(t, err, pool.ErrNotWritable)
}

func TestOperationsWithoutRelays(t *testing.T) {
	p := newTestPool(t)

	_, err := p.Subscribe(context.Background(), nil, pool.SubscriptionCallbacks{})
	assert.ErrorIs(t, err, pool.ErrNoRelays)

	evt, _ := testutil.MustNewTestEvent(1, "x", nil)
	err = p.Publish(context.Background(), evt)
	assert.ErrorIs(t, err, pool.ErrNoRelays)
}

func TestPublishAcked(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)
	evt, _ := testutil.MustNewTestEvent(1, "published content", nil)

	require.NoError(t, p.Publish(context.Background(), evt, fake.URL()))

	events := fake.Events()
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
}

func TestPublishRejected(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()
	fake.RejectPublishes = true

	p := newTestPool(t)
	evt, _ := testutil.MustNewTestEvent(1, "rejected content", nil)

	err := p.Publish(context.Background(), evt, fake.URL())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)

	received := make(chan *event.Event, 8)
	eose := make(chan string, 1)

	sub, err := p.Subscribe(context.Background(),
		[]*event.Filter{{Kinds: []int{1}}},
		pool.SubscriptionCallbacks{
			OnEvent: func(relayURL string, evt *event.Event) { received <- evt },
			OnEOSE:  func(relayURL string) { eose <- relayURL },
		},
		fake.URL())
	require.NoError(t, err)
	defer sub.Close()
	awaitEOSE(t, eose)

	evt, _ := testutil.MustNewTestEvent(1, "live event", nil)
	fake.Inject(evt)

	select {
	case got := <-received:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeSurvivesConnectionDrop(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)

	received := make(chan *event.Event, 8)
	eose := make(chan string, 4)

	sub, err := p.Subscribe(context.Background(),
		[]*event.Filter{{Kinds: []int{1}}},
		pool.SubscriptionCallbacks{
			OnEvent: func(relayURL string, evt *event.Event) { received <- evt },
			OnEOSE:  func(relayURL string) { eose <- relayURL },
		},
		fake.URL())
	require.NoError(t, err)
	defer sub.Close()
	awaitEOSE(t, eose)

	fake.DropConnections()

	// The pool re-dials and re-issues the REQ on its own; the relay
	// answers the restored subscription with a fresh EOSE.
	awaitEOSE(t, eose)

	evt, _ := testutil.MustNewTestEvent(1, "after the drop", nil)
	fake.Inject(evt)

	select {
	case got := <-received:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription went silent after the connection drop")
	}
}

func TestSubscribeDropsInvalidAndForeignEvents(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)

	received := make(chan *event.Event, 8)
	eose := make(chan string, 1)
	sub, err := p.Subscribe(context.Background(),
		[]*event.Filter{{Kinds: []int{1}}},
		pool.SubscriptionCallbacks{
			OnEvent: func(relayURL string, evt *event.Event) { received <- evt },
			OnEOSE:  func(relayURL string) { eose <- relayURL },
		},
		fake.URL())
	require.NoError(t, err)
	defer sub.Close()
	awaitEOSE(t, eose)

	// Bad signature: a relay pushing forged events must not reach the caller
	forged, _ := testutil.MustNewTestEvent(1, "forged", nil)
	forged.Content = "tampered after signing"
	fake.InjectRaw(forged)

	// Filter mismatch: the relay ignored our filter
	wrongKind, _ := testutil.MustNewTestEvent(2, "wrong kind", nil)
	fake.InjectRaw(wrongKind)

	// Valid event arrives after the junk
	valid, _ := testutil.MustNewTestEvent(1, "valid", nil)
	fake.InjectRaw(valid)

	select {
	case got := <-received:
		assert.Equal(t, valid.ID, got.ID, "only the valid event passes the gate")
	case <-time.After(3 * time.Second):
		t.Fatal("valid event not delivered")
	}
	assert.Empty(t, received)
}

func TestSubscribeDeduplicatesByID(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)

	received := make(chan *event.Event, 8)
	eose := make(chan string, 1)
	sub, err := p.Subscribe(context.Background(),
		[]*event.Filter{{Kinds: []int{1}}},
		pool.SubscriptionCallbacks{
			OnEvent: func(relayURL string, evt *event.Event) { received <- evt },
			OnEOSE:  func(relayURL string) { eose <- relayURL },
		},
		fake.URL())
	require.NoError(t, err)
	defer sub.Close()
	awaitEOSE(t, eose)

	evt, _ := testutil.MustNewTestEvent(1, "once only", nil)
	fake.InjectRaw(evt)
	fake.InjectRaw(evt)

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case dup := <-received:
		t.Fatalf("duplicate delivered: %s", dup.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	p := newTestPool(t)

	sub, err := p.Subscribe(context.Background(), nil, pool.SubscriptionCallbacks{}, fake.URL())
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestPoolCloseIdempotent(t *testing.T) {
	p := pool.New(pool.Options{Readable: true, Writable: true})
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.AddRelay("wss://relay.example.com"), pool.ErrClosed)

	evt, _ := testutil.MustNewTestEvent(1, "x", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), evt), pool.ErrClosed)
}

func TestPublishSucceedsWhenOneRelayAccepts(t *testing.T) {
	good := testutil.NewFakeRelay()
	defer good.Close()
	bad := testutil.NewFakeRelay()
	defer bad.Close()
	bad.RejectPublishes = true

	p := newTestPool(t)
	evt, _ := testutil.MustNewTestEvent(1, "redundant publish", nil)

	err := p.Publish(context.Background(), evt, good.URL(), bad.URL())
	assert.NoError(t, err, "one ack is enough")
}
