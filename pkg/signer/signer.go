// Package signer provides the pluggable signing capability used by the
// messaging pipeline: an extension/provider-backed signer, a local
// encrypted-key signer, and a remote NIP-46 bunker signer, all
// reconstructable from a persisted JSON descriptor.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
)

// Descriptor type tags. The factory probes implementations in the
// order extension, local, bunker.
const (
	TypeExtension = "nip07"
	TypeLocal     = "nsec"
	TypeBunker    = "nip46"
)

var (
	// ErrInvalidSignerType is returned by the factory when no
	// implementation recognizes the descriptor's type tag
	ErrInvalidSignerType = errors.New("unknown signer type")

	// ErrExtensionUnavailable is returned by extension signer
	// operations when no host provider is present
	ErrExtensionUnavailable = errors.New("extension provider unavailable")
)

// Descriptor is the persisted, serializable form of a signer. It is a
// tagged union: Type selects the variant and determines which of the
// remaining fields are meaningful.
type Descriptor struct {
	Type string `json:"type"`

	// TypeLocal: the encrypted private key blob, either a NIP-49
	// ncryptsec string or a legacy AES blob, plus the optional cached
	// public key
	EncryptedPrivKey string `json:"encryptedPrivKey,omitempty"`
	PubKey           string `json:"pubkey,omitempty"`

	// TypeBunker: the bunker:// URI and the local app key used for the
	// NIP-46 transport
	Bunker     string `json:"bunker,omitempty"`
	AppPrivKey string `json:"appPrivKey,omitempty"`
}

// Signer is the capability interface shared by all variants. Every
// operation takes a context because it may suspend on relay
// round-trips or on a challenge pending human input.
type Signer interface {
	// Connect establishes readiness and returns an implementation
	// token. A no-op for local and extension signers; performs the
	// NIP-46 handshake for the bunker signer.
	Connect(ctx context.Context) (string, error)

	// GetPublicKey returns the signing identity's hex public key,
	// cached after first resolution
	GetPublicKey(ctx context.Context) (string, error)

	// SignEvent finalizes the event in place: PubKey, ID, Sig
	SignEvent(ctx context.Context, evt *event.Event) error

	// Encrypt and Decrypt perform NIP-44 authenticated encryption
	// between the signing identity and a peer
	Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error)
	Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error)

	// Descriptor returns the persistable form of this signer
	Descriptor() Descriptor

	// Close releases any remembered secret material
	Close() error
}

// Options carries the collaborators a reconstructed signer may need
type Options struct {
	// Challenge resolves passphrase and auth-URL challenges
	Challenge challenge.Handler

	// Pool is the relay pool used for NIP-46 traffic
	Pool *pool.Pool

	// Provider is the host-injected signing capability backing the
	// extension signer
	Provider Provider
}

// FromDescriptor reconstructs a live signer from a persisted
// descriptor by probing each implementation in order. Implementations
// return (nil, nil) for descriptors that are not theirs.
func FromDescriptor(desc Descriptor, opts Options) (Signer, error) {
	probes := []func(Descriptor, Options) (Signer, error){
		extensionFromDescriptor,
		localFromDescriptor,
		bunkerFromDescriptor,
	}

	for _, probe := range probes {
		s, err := probe(desc, opts)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidSignerType, desc.Type)
}

// FromJSON reconstructs a signer from descriptor JSON as read from the
// persisted store
func FromJSON(data []byte, opts Options) (Signer, error) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse signer descriptor: %w", err)
	}
	return FromDescriptor(desc, opts)
}

// MarshalDescriptor serializes a signer for persistence
func MarshalDescriptor(s Signer) ([]byte, error) {
	return json.Marshal(s.Descriptor())
}
