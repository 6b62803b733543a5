// Package nip59 implements seal and gift-wrap construction for
// metadata-minimized encrypted delivery. The seal is always signed by
// the real sender; the gift wrap is always signed by a fresh random
// keypair that is discarded after use.
package nip59

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/keys"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip44"
)

const (
	SealKind     = 13
	GiftWrapKind = 1059
)

// Timestamps on seals and gift wraps are pushed up to this far into the
// past to reduce correlation with the actual send time
const maxTimestampJitter = 48 * time.Hour

var (
	ErrInvalidSeal     = fmt.Errorf("invalid seal event")
	ErrInvalidGiftWrap = fmt.Errorf("invalid gift wrap event")
	ErrDecryption      = fmt.Errorf("decryption failed")
)

// EncryptFunc encrypts plaintext for the message recipient using the
// sender's identity (NIP-44). Implemented by the signer abstraction so
// the private key may live out of process.
type EncryptFunc func(plaintext string) (string, error)

// SignFunc finalizes an event (ID, pubkey, signature) with the sender's
// identity
type SignFunc func(*event.Event) error

// DecryptFunc decrypts ciphertext from the given peer using the
// recipient's identity
type DecryptFunc func(peerPubKey, ciphertext string) (string, error)

// CreateSeal encrypts the rumor JSON to the recipient and signs the
// resulting kind-13 event with the real sender's identity. The seal
// carries no tags; its timestamp is randomized.
func CreateSeal(rumor *event.Event, encrypt EncryptFunc, sign SignFunc) (*event.Event, error) {
	rumor.Sig = "" // rumors are never signed

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rumor: %w", err)
	}

	encryptedContent, err := encrypt(string(rumorJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt rumor: %w", err)
	}

	seal := &event.Event{
		CreatedAt: randomPastTimestamp(),
		Kind:      SealKind,
		Tags:      [][]string{},
		Content:   encryptedContent,
	}

	if err := sign(seal); err != nil {
		return nil, fmt.Errorf("failed to sign seal: %w", err)
	}

	return seal, nil
}

// CreateGiftWrap encrypts the seal JSON to the recipient under a
// conversation key derived from a freshly generated random keypair and
// signs the kind-1059 wrap with that random key. The random key never
// leaves this function. The only tag is ["p", recipient, relayHint].
func CreateGiftWrap(seal *event.Event, recipientPubKey, relayHint string) (*event.Event, error) {
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal seal: %w", err)
	}

	wrapKey, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate wrap key: %w", err)
	}

	conversationKey, err := nip44.ConversationKey(wrapKey.PrivateKey, recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap conversation key: %w", err)
	}

	encryptedContent, err := nip44.Encrypt(string(sealJSON), conversationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt seal: %w", err)
	}

	pTag := []string{"p", recipientPubKey}
	if relayHint != "" {
		pTag = append(pTag, relayHint)
	}

	giftWrap := &event.Event{
		CreatedAt: randomPastTimestamp(),
		Kind:      GiftWrapKind,
		Tags:      [][]string{pTag},
		Content:   encryptedContent,
	}

	if err := giftWrap.Sign(wrapKey.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to sign gift wrap: %w", err)
	}

	return giftWrap, nil
}

// Unwrap recovers the rumor from a gift wrap addressed to us. The outer
// layer is decrypted against the wrap's random pubkey, the seal against
// the embedded sender; the rumor's pubkey must match the seal's signer,
// which is the authenticated logical sender.
func Unwrap(giftWrap *event.Event, decrypt DecryptFunc) (*event.Event, error) {
	seal, err := UnwrapGift(giftWrap, decrypt)
	if err != nil {
		return nil, err
	}
	return UnwrapSeal(seal, decrypt)
}

// UnwrapGift decrypts a gift wrap to reveal the seal
func UnwrapGift(giftWrap *event.Event, decrypt DecryptFunc) (*event.Event, error) {
	if giftWrap.Kind != GiftWrapKind {
		return nil, ErrInvalidGiftWrap
	}

	sealJSON, err := decrypt(giftWrap.PubKey, giftWrap.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var seal event.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seal: %w", err)
	}

	if seal.Kind != SealKind {
		return nil, ErrInvalidSeal
	}
	if err := seal.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}

	return &seal, nil
}

// UnwrapSeal decrypts a seal to reveal the rumor
func UnwrapSeal(seal *event.Event, decrypt DecryptFunc) (*event.Event, error) {
	if seal.Kind != SealKind {
		return nil, ErrInvalidSeal
	}

	rumorJSON, err := decrypt(seal.PubKey, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var rumor event.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rumor: %w", err)
	}

	// A rumor claiming a different sender than the seal's signer would
	// let anyone impersonate anyone
	if rumor.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: rumor sender does not match seal signer", ErrInvalidSeal)
	}

	id, err := rumor.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("failed to compute rumor ID: %w", err)
	}
	rumor.ID = id

	return &rumor, nil
}

// IsGiftWrap checks if an event is a gift wrap
func IsGiftWrap(evt *event.Event) bool {
	return evt.Kind == GiftWrapKind
}

// IsSeal checks if an event is a seal
func IsSeal(evt *event.Event) bool {
	return evt.Kind == SealKind
}

func randomPastTimestamp() int64 {
	return time.Now().Unix() - rand.Int63n(int64(maxTimestampJitter/time.Second))
}
