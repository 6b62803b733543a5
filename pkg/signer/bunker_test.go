package signer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopstr-eng/shopstr-core/internal/testutil"
	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip44"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
)

func TestParseBunkerURI(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()

	tests := []struct {
		name  string
		input string
		want  *BunkerPointer
	}{
		{
			name:  "full URI",
			input: "bunker://" + kp.PubKeyHex + "?relay=wss://r1.example.com&relay=wss://r2.example.com&secret=s3cret",
			want: &BunkerPointer{
				RemotePubKey: kp.PubKeyHex,
				Relays:       []string{"wss://r1.example.com", "wss://r2.example.com"},
				Secret:       "s3cret",
			},
		},
		{
			name:  "no query",
			input: "bunker://" + kp.PubKeyHex,
			want:  &BunkerPointer{RemotePubKey: kp.PubKeyHex},
		},
		{
			name:  "wrong scheme",
			input: "https://" + kp.PubKeyHex,
			want:  nil,
		},
		{
			name:  "invalid pubkey",
			input: "bunker://nothex?relay=wss://r.example.com",
			want:  nil,
		},
		{
			name:  "empty string",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseBunkerURI(tt.input))
		})
	}
}

func TestNewBunkerSignerRejectsBadURI(t *testing.T) {
	_, err := NewBunkerSigner("not a bunker uri", Options{})
	assert.Error(t, err)
}

func TestBunkerSignerDescriptor(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	uri := "bunker://" + kp.PubKeyHex + "?relay=wss://r.example.com"

	s, err := NewBunkerSigner(uri, Options{})
	require.NoError(t, err)

	desc := s.Descriptor()
	assert.Equal(t, TypeBunker, desc.Type)
	assert.Equal(t, uri, desc.Bunker)
	assert.NotEmpty(t, desc.AppPrivKey, "the app transport key must survive restarts")

	restored, err := FromDescriptor(desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, desc, restored.Descriptor())
}

// fakeBunker is an in-process remote signing agent speaking NIP-46 over
// the fake relay
type fakeBunker struct {
	agentKey *testutil.KeyPair // remote signer transport and user identity
	pool     *pool.Pool
	sub      *pool.Subscription

	// When authURL is set, every request except connect gets an
	// auth_url interim response first; the real result follows only
	// after approve is closed.
	authURL string
	approve chan struct{}
}

func startFakeBunker(t *testing.T, relayURL string) *fakeBunker {
	t.Helper()

	b := &fakeBunker{
		agentKey: testutil.MustGenerateKeyPair(),
		pool:     pool.New(pool.Options{Readable: true, Writable: true, IOTimeout: 3 * time.Second}),
	}
	t.Cleanup(b.pool.Close)

	ready := make(chan struct{}, 1)
	filter := &event.Filter{
		Kinds: []int{KindNostrConnect},
		Tags:  map[string][]string{"p": {b.agentKey.PubKeyHex}},
	}
	sub, err := b.pool.Subscribe(context.Background(), []*event.Filter{filter}, pool.SubscriptionCallbacks{
		OnEvent: b.handleRequest,
		OnEOSE:  func(string) { ready <- struct{}{} },
	}, relayURL)
	require.NoError(t, err)
	b.sub = sub
	t.Cleanup(sub.Close)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("bunker agent did not come up")
	}
	return b
}

func (b *fakeBunker) uri(relayURL string) string {
	return "bunker://" + b.agentKey.PubKeyHex + "?relay=" + relayURL + "&secret=agent-secret"
}

func (b *fakeBunker) handleRequest(relayURL string, evt *event.Event) {
	plaintext, err := nip44.DecryptBetween(b.agentKey.PrivKeyHex, evt.PubKey, evt.Content)
	if err != nil {
		return
	}

	var req nip46Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return
	}

	resp := nip46Response{ID: req.ID}
	switch req.Method {
	case "connect":
		resp.Result = "ack"
	case "get_public_key":
		resp.Result = b.agentKey.PubKeyHex
	case "sign_event":
		var template event.Event
		if err := json.Unmarshal([]byte(req.Params[0]), &template); err != nil {
			resp.Error = err.Error()
			break
		}
		if err := template.Sign(b.agentKey.PrivKeyHex); err != nil {
			resp.Error = err.Error()
			break
		}
		signed, _ := json.Marshal(&template)
		resp.Result = string(signed)
	case "nip44_encrypt":
		resp.Result, err = nip44.EncryptBetween(b.agentKey.PrivKeyHex, req.Params[0], req.Params[1])
		if err != nil {
			resp.Error = err.Error()
		}
	case "nip44_decrypt":
		resp.Result, err = nip44.DecryptBetween(b.agentKey.PrivKeyHex, req.Params[0], req.Params[1])
		if err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = "unknown method: " + req.Method
	}

	if b.authURL != "" && req.Method != "connect" {
		b.respond(relayURL, evt.PubKey, nip46Response{ID: req.ID, Result: "auth_url", Error: b.authURL})
		final := resp
		go func() {
			<-b.approve
			b.respond(relayURL, evt.PubKey, final)
		}()
		return
	}

	b.respond(relayURL, evt.PubKey, resp)
}

func (b *fakeBunker) respond(relayURL, clientPubKey string, resp nip46Response) {
	respJSON, _ := json.Marshal(resp)
	ciphertext, err := nip44.EncryptBetween(b.agentKey.PrivKeyHex, clientPubKey, string(respJSON))
	if err != nil {
		return
	}

	out := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindNostrConnect,
		Tags:      [][]string{{"p", clientPubKey}},
		Content:   ciphertext,
	}
	if err := out.Sign(b.agentKey.PrivKeyHex); err != nil {
		return
	}
	// Publishing waits for the OK ack, which the relay read goroutine
	// would otherwise block
	go b.pool.Publish(context.Background(), out, relayURL)
}

func TestBunkerSignerRoundTrips(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	bunker := startFakeBunker(t, fake.URL())

	clientPool := pool.New(pool.Options{Readable: true, Writable: true, IOTimeout: 3 * time.Second})
	defer clientPool.Close()

	s, err := NewBunkerSigner(bunker.uri(fake.URL()), Options{Pool: clientPool})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := s.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ack", token)

	pubKey, err := s.GetPublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, bunker.agentKey.PubKeyHex, pubKey)

	// Cached: a second call makes no round-trip and cannot fail
	again, err := s.GetPublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pubKey, again)

	evt := &event.Event{Kind: 1, CreatedAt: time.Now().Unix(), Content: "remote signed"}
	require.NoError(t, s.SignEvent(ctx, evt))
	assert.Equal(t, pubKey, evt.PubKey)
	assert.NoError(t, evt.Validate())

	peer := testutil.MustGenerateKeyPair()
	ciphertext, err := s.Encrypt(ctx, peer.PubKeyHex, "over the wire")
	require.NoError(t, err)
	plaintext, err := nip44.DecryptBetween(peer.PrivKeyHex, pubKey, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", plaintext)

	inbound, err := nip44.EncryptBetween(peer.PrivKeyHex, pubKey, "inbound")
	require.NoError(t, err)
	decrypted, err := s.Decrypt(ctx, peer.PubKeyHex, inbound)
	require.NoError(t, err)
	assert.Equal(t, "inbound", decrypted)
}

func TestBunkerSignerAuthURLApprovalOutlastsRPCDeadline(t *testing.T) {
	restore := bunkerRPCTimeout
	bunkerRPCTimeout = 500 * time.Millisecond
	defer func() { bunkerRPCTimeout = restore }()
	deadline := bunkerRPCTimeout

	fake := testutil.NewFakeRelay()
	defer fake.Close()

	bunker := startFakeBunker(t, fake.URL())
	bunker.authURL = "https://bunker.example.com/approve"
	bunker.approve = make(chan struct{})

	clientPool := pool.New(pool.Options{Readable: true, Writable: true, IOTimeout: 3 * time.Second})
	defer clientPool.Close()

	challenges := make(chan challenge.Request, 1)
	handler := func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		challenges <- req
		// The user takes longer to approve than the RPC deadline allows
		time.Sleep(3 * deadline)
		close(bunker.approve)
		return challenge.Response{}, nil
	}

	s, err := NewBunkerSigner(bunker.uri(fake.URL()), Options{Pool: clientPool, Challenge: handler})
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	pubKey, err := s.GetPublicKey(context.Background())
	require.NoError(t, err, "a pending approval must suspend the call, not time it out")
	assert.Equal(t, bunker.agentKey.PubKeyHex, pubKey)
	assert.Greater(t, time.Since(start), deadline)

	select {
	case req := <-challenges:
		assert.Equal(t, challenge.TypeAuthURL, req.Type)
		assert.Equal(t, "https://bunker.example.com/approve", req.Payload)
	default:
		t.Fatal("challenge handler never saw the auth URL")
	}
}

func TestBunkerSignerAuthURLAbort(t *testing.T) {
	fake := testutil.NewFakeRelay()
	defer fake.Close()

	bunker := startFakeBunker(t, fake.URL())
	bunker.authURL = "https://bunker.example.com/approve"
	bunker.approve = make(chan struct{}) // never closed; the user declines

	clientPool := pool.New(pool.Options{Readable: true, Writable: true, IOTimeout: 3 * time.Second})
	defer clientPool.Close()

	handler := func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		return challenge.Response{}, challenge.ErrAborted
	}

	s, err := NewBunkerSigner(bunker.uri(fake.URL()), Options{Pool: clientPool, Challenge: handler})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetPublicKey(context.Background())
	assert.ErrorIs(t, err, challenge.ErrAborted)
}

func TestBunkerSignerWithoutPool(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	s, err := NewBunkerSigner("bunker://"+kp.PubKeyHex+"?relay=wss://r.example.com", Options{})
	require.NoError(t, err)

	_, err = s.Connect(context.Background())
	assert.Error(t, err)
}
