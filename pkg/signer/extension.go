package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// Provider is a host-injected signing capability, the NIP-07 shape: the
// host process holds the key and the app only sees results. The D-Bus
// provider in this package is one implementation; embedders may supply
// their own.
type Provider interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *event.Event) error
	Nip44Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error)
	Nip44Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error)
}

// ExtensionSigner delegates every operation to the host provider. It
// persists no secret material; its descriptor is just the type tag.
type ExtensionSigner struct {
	provider Provider

	mu     sync.Mutex
	pubKey string
}

// NewExtensionSigner wraps a host provider
func NewExtensionSigner(provider Provider) *ExtensionSigner {
	return &ExtensionSigner{provider: provider}
}

// extensionFromDescriptor reconstructs an ExtensionSigner; (nil, nil)
// if the descriptor is not an extension one. Construction succeeds
// even without a provider; operations then fail with
// ErrExtensionUnavailable.
func extensionFromDescriptor(desc Descriptor, opts Options) (Signer, error) {
	if desc.Type != TypeExtension {
		return nil, nil
	}
	return &ExtensionSigner{provider: opts.Provider}, nil
}

func (s *ExtensionSigner) ready() error {
	if s.provider == nil {
		return ErrExtensionUnavailable
	}
	return nil
}

// Connect verifies the provider is reachable
func (s *ExtensionSigner) Connect(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return "", nil
}

// GetPublicKey returns the provider's public key, cached after the
// first resolution. Holding the lock across the provider call keeps
// concurrent callers from each making their own round-trip.
func (s *ExtensionSigner) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pubKey != "" {
		return s.pubKey, nil
	}
	if err := s.ready(); err != nil {
		return "", err
	}

	pubKey, err := s.provider.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("provider GetPublicKey failed: %w", err)
	}
	s.pubKey = pubKey
	return pubKey, nil
}

// SignEvent delegates signing to the provider
func (s *ExtensionSigner) SignEvent(ctx context.Context, evt *event.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.provider.SignEvent(ctx, evt)
}

// Encrypt delegates NIP-44 encryption to the provider
func (s *ExtensionSigner) Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.provider.Nip44Encrypt(ctx, peerPubKey, plaintext)
}

// Decrypt delegates NIP-44 decryption to the provider
func (s *ExtensionSigner) Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.provider.Nip44Decrypt(ctx, peerPubKey, ciphertext)
}

// Descriptor returns the type tag; extension signers persist nothing
func (s *ExtensionSigner) Descriptor() Descriptor {
	return Descriptor{Type: TypeExtension}
}

// Close is a no-op; the provider owns the key
func (s *ExtensionSigner) Close() error {
	return nil
}
