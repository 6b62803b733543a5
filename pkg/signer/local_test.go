package signer

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopstr-eng/shopstr-core/internal/testutil"
	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip44"
)

func newLocalSigner(t *testing.T, handler challenge.Handler) (*LocalSigner, *testutil.KeyPair) {
	t.Helper()
	kp := testutil.MustGenerateKeyPair()
	s, err := NewLocalSigner(kp.PrivKeyHex, "correct horse", handler)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, kp
}

func TestNewLocalSignerEncryptsAsNcryptsec(t *testing.T) {
	s, kp := newLocalSigner(t, nil)

	desc := s.Descriptor()
	assert.Equal(t, TypeLocal, desc.Type)
	assert.True(t, strings.HasPrefix(desc.EncryptedPrivKey, "ncryptsec1"))
	assert.NotContains(t, desc.EncryptedPrivKey, kp.PrivKeyHex)
	assert.Equal(t, kp.PubKeyHex, desc.PubKey)
}

func TestLocalSignerSignEvent(t *testing.T) {
	s, kp := newLocalSigner(t, challenge.Static("correct horse", false))
	ctx := context.Background()

	pubKey, err := s.GetPublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, kp.PubKeyHex, pubKey)

	evt := &event.Event{Kind: 1, CreatedAt: 1234567890, Content: "hello"}
	require.NoError(t, s.SignEvent(ctx, evt))
	assert.Equal(t, kp.PubKeyHex, evt.PubKey)
	assert.NoError(t, evt.Validate())
}

func TestLocalSignerEncryptDecrypt(t *testing.T) {
	s, _ := newLocalSigner(t, challenge.Static("correct horse", false))
	peer := testutil.MustGenerateKeyPair()
	ctx := context.Background()

	ciphertext, err := s.Encrypt(ctx, peer.PubKeyHex, "secret payload")
	require.NoError(t, err)

	// The peer can decrypt with their own key
	ownPub, err := s.GetPublicKey(ctx)
	require.NoError(t, err)
	plaintext, err := nip44.DecryptBetween(peer.PrivKeyHex, ownPub, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", plaintext)

	// And we can decrypt what the peer sends us
	inbound, err := nip44.EncryptBetween(peer.PrivKeyHex, ownPub, "reply")
	require.NoError(t, err)
	decrypted, err := s.Decrypt(ctx, peer.PubKeyHex, inbound)
	require.NoError(t, err)
	assert.Equal(t, "reply", decrypted)
}

func TestLocalSignerRetriesWrongPassphrase(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		n := attempts.Add(1)
		if n == 1 {
			assert.NoError(t, req.Err, "first prompt carries no failure")
			return challenge.Response{Secret: "wrong"}, nil
		}
		assert.Error(t, req.Err, "re-prompt must carry the previous failure")
		return challenge.Response{Secret: "correct horse"}, nil
	}

	s, _ := newLocalSigner(t, handler)

	evt := &event.Event{Kind: 1, Content: "x"}
	require.NoError(t, s.SignEvent(context.Background(), evt))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLocalSignerAbortUnwinds(t *testing.T) {
	handler := func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		return challenge.Response{}, challenge.ErrAborted
	}
	s, _ := newLocalSigner(t, handler)
	// Drop the cached pubkey so GetPublicKey must decrypt
	s.pubKey = ""

	_, err := s.GetPublicKey(context.Background())
	assert.ErrorIs(t, err, challenge.ErrAborted)
}

func TestLocalSignerRemembersPassphrase(t *testing.T) {
	var prompts atomic.Int32
	handler := func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		prompts.Add(1)
		return challenge.Response{Secret: "correct horse", Remember: true}, nil
	}

	s, _ := newLocalSigner(t, handler)
	ctx := context.Background()

	evt1 := &event.Event{Kind: 1, Content: "a"}
	require.NoError(t, s.SignEvent(ctx, evt1))
	evt2 := &event.Event{Kind: 1, Content: "b"}
	require.NoError(t, s.SignEvent(ctx, evt2))

	assert.Equal(t, int32(1), prompts.Load(), "remembered passphrase must not re-prompt")

	// Close forgets the passphrase; the next operation prompts again
	require.NoError(t, s.Close())
	evt3 := &event.Event{Kind: 1, Content: "c"}
	require.NoError(t, s.SignEvent(ctx, evt3))
	assert.Equal(t, int32(2), prompts.Load())
}

func TestLocalSignerWithoutHandler(t *testing.T) {
	s, _ := newLocalSigner(t, nil)

	evt := &event.Event{Kind: 1, Content: "x"}
	err := s.SignEvent(context.Background(), evt)
	assert.ErrorIs(t, err, challenge.ErrNoHandler)
}

func TestLocalSignerConnectIsNoOp(t *testing.T) {
	s, _ := newLocalSigner(t, nil)
	token, err := s.Connect(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, token)
}

func TestDecryptKeyBlobDispatch(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()

	s, err := NewLocalSigner(kp.PrivKeyHex, "pass", nil)
	require.NoError(t, err)

	// ncryptsec by prefix
	privHex, err := DecryptKeyBlob(s.Descriptor().EncryptedPrivKey, "pass")
	require.NoError(t, err)
	assert.Equal(t, kp.PrivKeyHex, privHex)

	_, err = DecryptKeyBlob(s.Descriptor().EncryptedPrivKey, "wrong")
	assert.Error(t, err)

	// anything else falls through to the legacy decoder
	legacy, err := encryptLegacyBlob(kp.PrivKeyHex, "pass")
	require.NoError(t, err)
	privHex, err = DecryptKeyBlob(legacy, "pass")
	require.NoError(t, err)
	assert.Equal(t, kp.PrivKeyHex, privHex)
}

func TestLocalSignerAcceptsNsecInput(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()

	_, err := NewLocalSigner("definitely not a key", "pass", nil)
	assert.Error(t, err)

	s, err := NewLocalSigner(kp.PrivKeyHex, "pass", challenge.Static("pass", false))
	require.NoError(t, err)
	defer s.Close()

	pubKey, err := s.GetPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kp.PubKeyHex, pubKey)
}
