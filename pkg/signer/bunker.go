package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/event"
	"github.com/shopstr-eng/shopstr-core/pkg/keys"
	"github.com/shopstr-eng/shopstr-core/pkg/nips/nip44"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
)

// KindNostrConnect is the NIP-46 RPC event kind
const KindNostrConnect = 24133

// bunkerRPCTimeout bounds a single remote round-trip when the caller's
// context has no earlier deadline. The bound is lifted as soon as the
// bunker asks for interactive approval; from then on the call waits
// under the caller's context only. Variable so tests can shorten it.
var bunkerRPCTimeout = 30 * time.Second

// BunkerPointer is the parsed form of a bunker:// URI
type BunkerPointer struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseBunkerURI parses bunker://<remote-pubkey>?relay=…&secret=….
// Malformed input yields nil, not an error.
func ParseBunkerURI(input string) *BunkerPointer {
	parsed, err := url.Parse(input)
	if err != nil || parsed.Scheme != "bunker" {
		return nil
	}
	if !keys.IsValidPublicKey(parsed.Host) {
		return nil
	}

	query := parsed.Query()
	return &BunkerPointer{
		RemotePubKey: parsed.Host,
		Relays:       query["relay"],
		Secret:       query.Get("secret"),
	}
}

// nip46Request is the NIP-46 RPC request payload
type nip46Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// nip46Response is the NIP-46 RPC response payload
type nip46Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BunkerSigner reaches a remote signing agent over relays. The app
// keypair only authenticates the NIP-46 transport; the user's key
// never leaves the bunker.
type BunkerSigner struct {
	bunkerURI  string
	pointer    *BunkerPointer
	appPrivKey string
	appPubKey  string
	handler    challenge.Handler
	pool       *pool.Pool

	reqCounter atomic.Uint64

	mu         sync.Mutex
	sub        *pool.Subscription
	pending    map[string]chan nip46Response
	userPubKey string
}

// NewBunkerSigner creates a bunker signer with a fresh app key. The
// NIP-46 handshake is deferred to Connect.
func NewBunkerSigner(bunkerURI string, opts Options) (*BunkerSigner, error) {
	pointer := ParseBunkerURI(bunkerURI)
	if pointer == nil {
		return nil, fmt.Errorf("invalid bunker URI %q", bunkerURI)
	}

	appKey, err := keys.Generate()
	if err != nil {
		return nil, err
	}

	return &BunkerSigner{
		bunkerURI:  bunkerURI,
		pointer:    pointer,
		appPrivKey: appKey.PrivateKey,
		appPubKey:  appKey.PublicKey,
		handler:    opts.Challenge,
		pool:       opts.Pool,
		pending:    make(map[string]chan nip46Response),
	}, nil
}

// bunkerFromDescriptor reconstructs a BunkerSigner; (nil, nil) if the
// descriptor is not a bunker one
func bunkerFromDescriptor(desc Descriptor, opts Options) (Signer, error) {
	if desc.Type != TypeBunker {
		return nil, nil
	}

	pointer := ParseBunkerURI(desc.Bunker)
	if pointer == nil {
		return nil, fmt.Errorf("bunker signer descriptor has invalid URI %q", desc.Bunker)
	}
	if desc.AppPrivKey == "" {
		return nil, fmt.Errorf("bunker signer descriptor is missing appPrivKey")
	}

	appPubKey, err := keys.PublicKeyFromPrivate(desc.AppPrivKey)
	if err != nil {
		return nil, fmt.Errorf("bunker signer descriptor has invalid appPrivKey: %w", err)
	}

	return &BunkerSigner{
		bunkerURI:  desc.Bunker,
		pointer:    pointer,
		appPrivKey: desc.AppPrivKey,
		appPubKey:  appPubKey,
		handler:    opts.Challenge,
		pool:       opts.Pool,
		pending:    make(map[string]chan nip46Response),
	}, nil
}

// ensureListener opens the response subscription on the bunker's
// relays once
func (s *BunkerSigner) ensureListener(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.pool == nil {
		return fmt.Errorf("bunker signer requires a relay pool")
	}

	s.pool.AddRelays(s.pointer.Relays)

	filter := &event.Filter{
		Kinds: []int{KindNostrConnect},
		Tags:  map[string][]string{"p": {s.appPubKey}},
	}

	sub, err := s.pool.Subscribe(ctx, []*event.Filter{filter}, pool.SubscriptionCallbacks{
		OnEvent: s.handleResponse,
	}, s.pointer.Relays...)
	if err != nil {
		return fmt.Errorf("failed to subscribe for bunker responses: %w", err)
	}

	s.mu.Lock()
	if s.sub != nil {
		// lost the race; keep the first subscription
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// handleResponse decrypts an inbound kind-24133 event and routes it to
// the waiting RPC call
func (s *BunkerSigner) handleResponse(relayURL string, evt *event.Event) {
	plaintext, err := nip44.DecryptBetween(s.appPrivKey, evt.PubKey, evt.Content)
	if err != nil {
		log.Printf("bunker: undecryptable response from %s: %v", relayURL, err)
		return
	}

	var resp nip46Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		log.Printf("bunker: malformed response: %v", err)
		return
	}

	s.mu.Lock()
	ch := s.pending[resp.ID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- resp:
		default:
		}
	}
}

// rpc performs one NIP-46 round-trip. An auth_url interim response is
// surfaced through the challenge handler while the call keeps waiting
// for the real result; approval may take as long as the user needs, so
// the RPC deadline stops applying once an auth_url arrives. Handler
// abort cancels the wait.
func (s *BunkerSigner) rpc(callerCtx context.Context, method string, params ...string) (string, error) {
	if callerCtx == nil {
		callerCtx = context.Background()
	}
	ctx := callerCtx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bunkerRPCTimeout)
		defer cancel()
	}

	if err := s.ensureListener(ctx); err != nil {
		return "", err
	}

	id := fmt.Sprintf("shopstr-%d", s.reqCounter.Add(1))
	reqJSON, err := json.Marshal(nip46Request{ID: id, Method: method, Params: params})
	if err != nil {
		return "", err
	}

	ciphertext, err := nip44.EncryptBetween(s.appPrivKey, s.pointer.RemotePubKey, string(reqJSON))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt bunker request: %w", err)
	}

	evt := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindNostrConnect,
		Tags:      [][]string{{"p", s.pointer.RemotePubKey}},
		Content:   ciphertext,
	}
	if err := evt.Sign(s.appPrivKey); err != nil {
		return "", err
	}

	respCh := make(chan nip46Response, 1)
	abortCh := make(chan error, 1)
	s.mu.Lock()
	s.pending[id] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.pool.Publish(ctx, evt, s.pointer.Relays...); err != nil {
		return "", fmt.Errorf("failed to publish bunker request: %w", err)
	}

	waitCtx := ctx
	for {
		select {
		case resp := <-respCh:
			if resp.Result == "auth_url" {
				// The bunker wants interactive approval. Drop the RPC
				// deadline and keep waiting under the caller's context
				// while the user acts on the URL.
				waitCtx = callerCtx
				go s.raiseAuthURL(callerCtx, resp.Error, abortCh)
				continue
			}
			if resp.Error != "" {
				return "", fmt.Errorf("bunker error on %s: %s", method, resp.Error)
			}
			return resp.Result, nil
		case err := <-abortCh:
			return "", err
		case <-waitCtx.Done():
			return "", fmt.Errorf("bunker %s timed out: %w", method, waitCtx.Err())
		}
	}
}

// raiseAuthURL surfaces the approval URL through the challenge handler
func (s *BunkerSigner) raiseAuthURL(ctx context.Context, authURL string, abortCh chan<- error) {
	if s.handler == nil {
		abortCh <- challenge.ErrNoHandler
		return
	}
	if _, err := s.handler(ctx, challenge.Request{
		Type:    challenge.TypeAuthURL,
		Payload: authURL,
	}); err != nil {
		abortCh <- err
	}
}

// Connect performs the NIP-46 handshake and returns the bunker's
// acknowledgement token
func (s *BunkerSigner) Connect(ctx context.Context) (string, error) {
	return s.rpc(ctx, "connect", s.pointer.RemotePubKey, s.pointer.Secret)
}

// GetPublicKey returns the remote user's public key, cached after the
// first round-trip
func (s *BunkerSigner) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.userPubKey
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	pubKey, err := s.rpc(ctx, "get_public_key")
	if err != nil {
		return "", err
	}
	if !keys.IsValidPublicKey(pubKey) {
		return "", fmt.Errorf("bunker returned invalid public key %q", pubKey)
	}

	s.mu.Lock()
	s.userPubKey = pubKey
	s.mu.Unlock()
	return pubKey, nil
}

// SignEvent sends the event template to the bunker and replaces it
// with the signed result
func (s *BunkerSigner) SignEvent(ctx context.Context, evt *event.Event) error {
	template, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	result, err := s.rpc(ctx, "sign_event", string(template))
	if err != nil {
		return err
	}

	var signed event.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return fmt.Errorf("bunker returned malformed signed event: %w", err)
	}

	*evt = signed
	return nil
}

// Encrypt asks the bunker to NIP-44 encrypt for the peer
func (s *BunkerSigner) Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error) {
	return s.rpc(ctx, "nip44_encrypt", peerPubKey, plaintext)
}

// Decrypt asks the bunker to NIP-44 decrypt from the peer
func (s *BunkerSigner) Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error) {
	return s.rpc(ctx, "nip44_decrypt", peerPubKey, ciphertext)
}

// Descriptor returns the persistable form: the bunker URI and the app
// transport key
func (s *BunkerSigner) Descriptor() Descriptor {
	return Descriptor{
		Type:       TypeBunker,
		Bunker:     s.bunkerURI,
		AppPrivKey: s.appPrivKey,
	}
}

// Close tears down the response subscription
func (s *BunkerSigner) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	return nil
}
