package signer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/shopstr-eng/shopstr-core/pkg/event"
)

// D-Bus coordinates of the external signer service. Desktop builds use
// this as the provider behind the extension signer, keeping key
// material out of the app process the same way a browser extension
// would.
const (
	dbusService    = "org.shopstr.Signer"
	dbusObjectPath = "/org/shopstr/Signer"
	dbusInterface  = "org.shopstr.Signer1"
)

// DBusProvider implements Provider over the session bus
type DBusProvider struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewDBusProvider connects to the session bus signer service
func NewDBusProvider() (*DBusProvider, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	obj := conn.Object(dbusService, dbus.ObjectPath(dbusObjectPath))
	return &DBusProvider{conn: conn, obj: obj}, nil
}

// providerResponse is the JSON envelope every service method returns
type providerResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *string         `json:"error"`
}

// call invokes a service method and decodes its result into out
func (p *DBusProvider) call(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	var respJSON string
	call := p.obj.CallWithContext(ctx, dbusInterface+"."+method, 0, args...)
	if err := call.Store(&respJSON); err != nil {
		return fmt.Errorf("dbus call %s failed: %w", method, err)
	}

	var resp providerResponse
	if err := json.Unmarshal([]byte(respJSON), &resp); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}

	if !resp.Success {
		errMsg := "unknown error"
		if resp.Error != nil {
			errMsg = *resp.Error
		}
		return fmt.Errorf("signer service error: %s", errMsg)
	}

	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetPublicKey asks the service for the hex public key
func (p *DBusProvider) GetPublicKey(ctx context.Context) (string, error) {
	var pubKey string
	if err := p.call(ctx, "GetPublicKey", &pubKey); err != nil {
		return "", err
	}
	return pubKey, nil
}

// SignEvent sends the event to the service and replaces it with the
// signed version
func (p *DBusProvider) SignEvent(ctx context.Context, evt *event.Event) error {
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	var signed event.Event
	if err := p.call(ctx, "SignEvent", &signed, string(eventJSON)); err != nil {
		return err
	}

	*evt = signed
	return nil
}

// Nip44Encrypt encrypts plaintext for the peer through the service
func (p *DBusProvider) Nip44Encrypt(ctx context.Context, peerPubKey, plaintext string) (string, error) {
	var ciphertext string
	if err := p.call(ctx, "Nip44Encrypt", &ciphertext, plaintext, peerPubKey); err != nil {
		return "", err
	}
	return ciphertext, nil
}

// Nip44Decrypt decrypts ciphertext from the peer through the service
func (p *DBusProvider) Nip44Decrypt(ctx context.Context, peerPubKey, ciphertext string) (string, error) {
	var plaintext string
	if err := p.call(ctx, "Nip44Decrypt", &plaintext, ciphertext, peerPubKey); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Close releases the bus connection
func (p *DBusProvider) Close() error {
	return p.conn.Close()
}
