package testutil

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// KeyPair represents a Nostr keypair for testing
type KeyPair struct {
	PrivKeyHex string
	PubKeyHex  string
}

// GenerateKeyPair generates a new keypair for testing
func GenerateKeyPair() (*KeyPair, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	// Nostr uses Schnorr x-only pubkeys (32 bytes - BIP-340)
	return &KeyPair{
		PrivKeyHex: hex.EncodeToString(privKey.Serialize()),
		PubKeyHex:  hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())),
	}, nil
}

// MustGenerateKeyPair generates a keypair or panics (for test convenience)
func MustGenerateKeyPair() *KeyPair {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// SignEvent signs an event with the keypair
func (kp *KeyPair) SignEvent(evt *event.Event) error {
	return evt.Sign(kp.PrivKeyHex)
}

// NewTestEvent creates a signed test event with a fresh keypair
func NewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	evt := &event.Event{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: 1234567890,
	}

	if err := kp.SignEvent(evt); err != nil {
		return nil, nil, err
	}

	return evt, kp, nil
}

// MustNewTestEvent creates a test event or panics (for test convenience)
func MustNewTestEvent(kind int, content string, tags [][]string) (*event.Event, *KeyPair) {
	evt, kp, err := NewTestEvent(kind, content, tags)
	if err != nil {
		panic(err)
	}
	return evt, kp
}
