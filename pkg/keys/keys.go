// Package keys provides Nostr keypair generation and parsing helpers.
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// KeyPair holds a hex-encoded Nostr keypair
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Generate creates a fresh random keypair
func Generate() (*KeyPair, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return &KeyPair{
		PrivateKey: hex.EncodeToString(privKey.Serialize()),
		PublicKey:  hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())),
	}, nil
}

// PublicKeyFromPrivate derives the x-only public key from a hex private key
func PublicKeyFromPrivate(privKeyHex string) (string, error) {
	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(privKeyBytes) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes")
	}

	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())), nil
}

// ParsePrivateKey accepts a private key as raw hex or as a bech32 nsec
// string and returns the hex form
func ParsePrivateKey(input string) (string, error) {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "nsec1") {
		prefix, data, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("failed to decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return data.(string), nil
	}

	decoded, err := hex.DecodeString(input)
	if err != nil {
		return "", fmt.Errorf("private key is neither nsec nor hex: %w", err)
	}
	if len(decoded) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes")
	}
	return input, nil
}

// ParsePublicKey accepts a public key as raw hex or as a bech32 npub
// string and returns the hex form
func ParsePublicKey(input string) (string, error) {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "npub1") {
		prefix, data, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("failed to decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return data.(string), nil
	}

	if !IsValidPublicKey(input) {
		return "", fmt.Errorf("public key is neither npub nor 64-char hex")
	}
	return input, nil
}

// IsValidPublicKey reports whether the string is a 32-byte lowercase hex pubkey
func IsValidPublicKey(pk string) bool {
	if len(pk) != 64 {
		return false
	}
	for _, c := range pk {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
