package signer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip49"

	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/keys"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip44"
)

// ncryptsecPrefix marks a NIP-49 encrypted key; anything else is
// treated as a legacy AES blob
const ncryptsecPrefix = "ncryptsec1"

// rememberWindow is how long a passphrase the user chose not to
// remember stays usable, so closely-spaced operations (several UI
// actions fired together) prompt once instead of once each
const rememberWindow = 10 * time.Second

// LocalSigner holds an encrypted private key and obtains the
// passphrase through the challenge handler on demand. The decrypted
// key never outlives a single operation; only the passphrase is
// cached, in memory, per the remember flag.
type LocalSigner struct {
	encryptedPrivKey string
	handler          challenge.Handler

	mu         sync.Mutex
	pubKey     string
	passphrase string
	// session-remembered entries have a zero expiry and live until Close
	passExpiry  time.Time
	passSession bool
}

// NewLocalSigner encrypts the given private key (hex or nsec) under
// the passphrase as a NIP-49 ncryptsec blob and returns a signer
// holding only the encrypted form.
func NewLocalSigner(privKey, passphrase string, handler challenge.Handler) (*LocalSigner, error) {
	privHex, err := keys.ParsePrivateKey(privKey)
	if err != nil {
		return nil, err
	}

	pubKey, err := keys.PublicKeyFromPrivate(privHex)
	if err != nil {
		return nil, err
	}

	encrypted, err := nip49.Encrypt(privHex, passphrase, 16, nip49.ClientDoesNotTrackThisData)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	return &LocalSigner{
		encryptedPrivKey: encrypted,
		handler:          handler,
		pubKey:           pubKey,
	}, nil
}

// localFromDescriptor reconstructs a LocalSigner; (nil, nil) if the
// descriptor is not a local one
func localFromDescriptor(desc Descriptor, opts Options) (Signer, error) {
	if desc.Type != TypeLocal {
		return nil, nil
	}
	if desc.EncryptedPrivKey == "" {
		return nil, fmt.Errorf("local signer descriptor is missing encryptedPrivKey")
	}
	return &LocalSigner{
		encryptedPrivKey: desc.EncryptedPrivKey,
		handler:          opts.Challenge,
		pubKey:           desc.PubKey,
	}, nil
}

// DecryptKeyBlob decrypts an encrypted private key blob with the given
// passphrase. The format is self-describing: NIP-49 ncryptsec strings
// by prefix, everything else as a legacy AES blob.
func DecryptKeyBlob(blob, passphrase string) (string, error) {
	if strings.HasPrefix(blob, ncryptsecPrefix) {
		privHex, err := nip49.Decrypt(blob, passphrase)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt ncryptsec key: %w", err)
		}
		return privHex, nil
	}
	return decryptLegacyBlob(blob, passphrase)
}

// withPrivateKey resolves the passphrase (cache or challenge), decrypts
// the key, and runs fn with it. A wrong passphrase loops back through
// the challenge handler with the failure attached until the handler
// succeeds or the user aborts.
func (s *LocalSigner) withPrivateKey(ctx context.Context, fn func(privHex string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		passphrase, fromCache := s.cachedPassphrase()
		remember := false
		if !fromCache {
			if s.handler == nil {
				return challenge.ErrNoHandler
			}
			res, err := s.handler(ctx, challenge.Request{
				Type: challenge.TypePassphrase,
				Err:  lastErr,
			})
			if err != nil {
				return err
			}
			passphrase = res.Secret
			remember = res.Remember
		}

		privHex, err := DecryptKeyBlob(s.encryptedPrivKey, passphrase)
		if err != nil {
			// A stale cached passphrase is dropped and the user is
			// prompted; a wrong interactive answer is retried with the
			// error attached for display.
			s.clearPassphrase()
			if fromCache {
				continue
			}
			lastErr = err
			continue
		}

		if fromCache {
			s.touchPassphrase()
		} else {
			s.storePassphrase(passphrase, remember)
		}
		s.cachePubKey(privHex)
		return fn(privHex)
	}
}

func (s *LocalSigner) cachedPassphrase() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passphrase == "" {
		return "", false
	}
	if !s.passSession && time.Now().After(s.passExpiry) {
		s.passphrase = ""
		return "", false
	}
	return s.passphrase, true
}

func (s *LocalSigner) storePassphrase(passphrase string, session bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.passphrase = passphrase
	s.passSession = session
	if !session {
		s.passExpiry = time.Now().Add(rememberWindow)
	}
}

// touchPassphrase extends the rolling window on use
func (s *LocalSigner) touchPassphrase() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passphrase != "" && !s.passSession {
		s.passExpiry = time.Now().Add(rememberWindow)
	}
}

func (s *LocalSigner) clearPassphrase() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = ""
	s.passSession = false
}

func (s *LocalSigner) cachePubKey(privHex string) {
	pubKey, err := keys.PublicKeyFromPrivate(privHex)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pubKey = pubKey
	s.mu.Unlock()
}

// Connect is a no-op for local signers
func (s *LocalSigner) Connect(ctx context.Context) (string, error) {
	return "", nil
}

// GetPublicKey returns the cached public key, decrypting the private
// key once to derive it when the descriptor carried none
func (s *LocalSigner) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.pubKey
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var pubKey string
	err := s.withPrivateKey(ctx, func(privHex string) error {
		var derr error
		pubKey, derr = keys.PublicKeyFromPrivate(privHex)
		return derr
	})
	if err != nil {
		return "", err
	}
	return pubKey, nil
}

// SignEvent finalizes the event with the decrypted private key
func (s *LocalSigner) SignEvent(ctx context.Context, evt *event.Event) error {
	return s.withPrivateKey(ctx, func(privHex string) error {
		return evt.Sign(privHex)
	})
}

// Encrypt performs NIP-44 encryption to the peer
func (s *LocalSigner) Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error) {
	var ciphertext string
	err := s.withPrivateKey(ctx, func(privHex string) error {
		var eerr error
		ciphertext, eerr = nip44.EncryptBetween(privHex, peerPubKey, plaintext)
		return eerr
	})
	return ciphertext, err
}

// Decrypt performs NIP-44 decryption from the peer
func (s *LocalSigner) Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error) {
	var plaintext string
	err := s.withPrivateKey(ctx, func(privHex string) error {
		var derr error
		plaintext, derr = nip44.DecryptBetween(privHex, peerPubKey, ciphertext)
		return derr
	})
	return plaintext, err
}

// Descriptor returns the persistable form; only the encrypted blob and
// the public key ever leave memory
func (s *LocalSigner) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Descriptor{
		Type:             TypeLocal,
		EncryptedPrivKey: s.encryptedPrivKey,
		PubKey:           s.pubKey,
	}
}

// Close forgets the cached passphrase
func (s *LocalSigner) Close() error {
	s.clearPassphrase()
	return nil
}
