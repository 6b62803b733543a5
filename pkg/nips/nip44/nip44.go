// Package nip44 wraps the NIP-44 versioned authenticated encryption
// primitive. The byte layout (version, nonce, MAC framing) is owned by
// the underlying library; this package only derives conversation keys
// and moves strings in and out.
package nip44

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// ConversationKey derives the shared symmetric key between one party's
// private key and the other party's public key. Both directions of a
// conversation derive the same key.
func ConversationKey(privKeyHex, pubKeyHex string) ([32]byte, error) {
	key, err := nip44.GenerateConversationKey(pubKeyHex, privKeyHex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive conversation key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under a conversation key
func Encrypt(plaintext string, conversationKey [32]byte) (string, error) {
	ciphertext, err := nip44.Encrypt(plaintext, conversationKey)
	if err != nil {
		return "", fmt.Errorf("nip44 encryption failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts a NIP-44 payload under a conversation key
func Decrypt(ciphertext string, conversationKey [32]byte) (string, error) {
	plaintext, err := nip44.Decrypt(ciphertext, conversationKey)
	if err != nil {
		return "", fmt.Errorf("nip44 decryption failed: %w", err)
	}
	return plaintext, nil
}

// EncryptBetween derives the conversation key for (privKey, peerPubKey)
// and encrypts plaintext with it
func EncryptBetween(privKeyHex, peerPubKeyHex, plaintext string) (string, error) {
	key, err := ConversationKey(privKeyHex, peerPubKeyHex)
	if err != nil {
		return "", err
	}
	return Encrypt(plaintext, key)
}

// DecryptBetween derives the conversation key for (privKey, peerPubKey)
// and decrypts ciphertext with it
func DecryptBetween(privKeyHex, peerPubKeyHex, ciphertext string) (string, error) {
	key, err := ConversationKey(privKeyHex, peerPubKeyHex)
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertext, key)
}
