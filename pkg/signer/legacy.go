package signer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Legacy key blobs predate the NIP-49 format: base64 of the OpenSSL
// "Salted__" framing around an AES-256-CBC ciphertext, with key and IV
// derived from the passphrase via the MD5-based EVP_BytesToKey
// schedule. New blobs are always NIP-49; this exists so keys encrypted
// by older sessions keep working.

const legacySaltHeader = "Salted__"

// decryptLegacyBlob decrypts a legacy AES key blob and returns the hex
// private key
func decryptLegacyBlob(blob, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("legacy blob is not valid base64: %w", err)
	}
	if len(raw) < 32 || string(raw[:8]) != legacySaltHeader {
		return "", fmt.Errorf("legacy blob is missing the salt header")
	}

	salt := raw[8:16]
	ciphertext := raw[16:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("legacy blob ciphertext is not block aligned")
	}

	key, iv := legacyKeySchedule(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return "", fmt.Errorf("wrong passphrase: %w", err)
	}

	privHex := string(plaintext)
	if _, err := hex.DecodeString(privHex); err != nil || len(privHex) != 64 {
		return "", fmt.Errorf("wrong passphrase: decrypted key is malformed")
	}
	return privHex, nil
}

// encryptLegacyBlob produces a legacy-format blob. Only used by tests
// and migration tooling; new keys are encrypted as ncryptsec.
func encryptLegacyBlob(privHex, passphrase string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key, iv := legacyKeySchedule(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plaintext := pkcs7Pad([]byte(privHex))
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	raw := make([]byte, 0, 16+len(ciphertext))
	raw = append(raw, legacySaltHeader...)
	raw = append(raw, salt...)
	raw = append(raw, ciphertext...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// legacyKeySchedule is EVP_BytesToKey with MD5, one iteration,
// producing a 32-byte key and 16-byte IV
func legacyKeySchedule(passphrase string, salt []byte) (key, iv []byte) {
	var derived []byte
	var prev []byte
	for len(derived) < 48 {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(passphrase))
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:32], derived[32:48]
}

func pkcs7Pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
