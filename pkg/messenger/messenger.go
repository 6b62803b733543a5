// Package messenger wires the signer, the NIP-17/59 envelope layers
// and the relay pool into the outbound message pipeline and the
// inbound unwrap loop.
package messenger

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip17"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip59"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
	"github.com/shopstr-eng/shopstr-core/pkg/signer"
)

// Messenger sends and receives gift-wrapped direct messages
type Messenger struct {
	signer      signer.Signer
	pool        *pool.Pool
	writeRelays []string
	blasterURL  string
}

// New creates a messenger. writeRelays is the publish target set;
// blasterURL, when non-empty, is appended for redundancy unless the
// set already includes it.
func New(sig signer.Signer, p *pool.Pool, writeRelays []string, blasterURL string) *Messenger {
	return &Messenger{
		signer:      sig,
		pool:        p,
		writeRelays: writeRelays,
		blasterURL:  blasterURL,
	}
}

// Message is a decrypted inbound direct message
type Message struct {
	// Rumor is the authenticated plaintext event; its PubKey is the
	// logical sender
	Rumor *event.Event

	// Subject and Order are the unpacked application tags
	Subject string
	Order   *nip17.OrderDetails

	// Wrap is the outer event as it arrived, kept for IDs and relay
	// bookkeeping
	Wrap *event.Event
}

// Send builds, seals, wraps and publishes one direct message. The seal
// is signed by the real sender identity; the wrap by a fresh random
// key discarded on return. Exactly one publish attempt is made;
// retrying on failure is the caller's decision. The rumor is returned
// so callers can render or cache the sent message.
func (m *Messenger) Send(ctx context.Context, recipientPubKey, content, subject string, order *nip17.OrderDetails) (*event.Event, error) {
	senderPubKey, err := m.signer.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sender key: %w", err)
	}

	rumor, err := nip17.CreateRumor(senderPubKey, recipientPubKey, content, subject, order)
	if err != nil {
		return nil, fmt.Errorf("failed to build rumor: %w", err)
	}

	seal, err := nip59.CreateSeal(rumor,
		func(plaintext string) (string, error) {
			return m.signer.Encrypt(ctx, recipientPubKey, plaintext)
		},
		func(evt *event.Event) error {
			return m.signer.SignEvent(ctx, evt)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to seal message: %w", err)
	}

	giftWrap, err := nip59.CreateGiftWrap(seal, recipientPubKey, m.relayHint())
	if err != nil {
		return nil, fmt.Errorf("failed to wrap message: %w", err)
	}

	if err := m.pool.Publish(ctx, giftWrap, m.publishTargets()...); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	return rumor, nil
}

// relayHint is the relay advertised in the wrap's p tag so the
// recipient knows where replies can reach us
func (m *Messenger) relayHint() string {
	if len(m.writeRelays) == 0 {
		return ""
	}
	return m.writeRelays[0]
}

// publishTargets returns the write relays with the blaster appended,
// unless an existing entry already covers it (substring match, so
// ws/wss and trailing-slash spellings collapse)
func (m *Messenger) publishTargets() []string {
	targets := make([]string, len(m.writeRelays))
	copy(targets, m.writeRelays)

	if m.blasterURL == "" {
		return targets
	}
	needle := strings.TrimRight(strings.TrimPrefix(strings.TrimPrefix(m.blasterURL, "wss://"), "ws://"), "/")
	for _, u := range targets {
		if strings.Contains(u, needle) {
			return targets
		}
	}
	return append(targets, m.blasterURL)
}

// Open unwraps a single inbound gift wrap addressed to us
func (m *Messenger) Open(ctx context.Context, giftWrap *event.Event) (*Message, error) {
	rumor, err := nip59.Unwrap(giftWrap, func(peerPubKey, ciphertext string) (string, error) {
		return m.signer.Decrypt(ctx, peerPubKey, ciphertext)
	})
	if err != nil {
		return nil, err
	}

	subject, _ := nip17.GetSubject(rumor)
	return &Message{
		Rumor:   rumor,
		Subject: subject,
		Order:   nip17.OrderFromTags(rumor),
		Wrap:    giftWrap,
	}, nil
}

// Listen subscribes to gift wraps addressed to our identity on the
// given relays (default: all known relays) and delivers each message
// it can decrypt. Undecryptable or foreign wraps are logged and
// skipped; one bad event never aborts the batch. The returned
// subscription's Close stops delivery.
func (m *Messenger) Listen(ctx context.Context, onMessage func(*Message), relayURLs ...string) (*pool.Subscription, error) {
	ownPubKey, err := m.signer.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own key: %w", err)
	}

	filter := &event.Filter{
		Kinds: []int{nip59.GiftWrapKind},
		Tags:  map[string][]string{"p": {ownPubKey}},
	}

	return m.pool.Subscribe(ctx, []*event.Filter{filter}, pool.SubscriptionCallbacks{
		OnEvent: func(relayURL string, evt *event.Event) {
			// Opening may round-trip through a remote signer; that must
			// not block the relay read goroutine delivering the event
			go func() {
				msg, err := m.Open(ctx, evt)
				if err != nil {
					log.Printf("messenger: skipping wrap %s from %s: %v", evt.ID, relayURL, err)
					return
				}
				onMessage(msg)
			}()
		},
	}, relayURLs...)
}
