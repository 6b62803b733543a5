// Package challenge defines the contract signers use to request
// out-of-band user input, such as a decryption passphrase or approval
// of a remote signer's auth URL.
package challenge

import (
	"context"
	"errors"
)

// Type identifies what kind of input a challenge is asking for
type Type string

const (
	// TypePassphrase asks the user for a key-decryption passphrase
	TypePassphrase Type = "passphrase"
	// TypeAuthURL asks the user to open and approve a remote signer URL
	TypeAuthURL Type = "auth_url"
)

var (
	// ErrAborted is returned by handlers when the user cancelled the
	// challenge; signers must unwind any retry loop when they see it
	ErrAborted = errors.New("challenge aborted")

	// ErrUnknownType indicates a handler received a challenge type it
	// does not implement. This is a programming error, never retried.
	ErrUnknownType = errors.New("unknown challenge type")

	// ErrNoHandler is returned by signers that need user input but were
	// constructed without a challenge handler
	ErrNoHandler = errors.New("no challenge handler configured")
)

// Request carries a single challenge to the handler. Err holds the
// failure from the previous attempt (e.g. a wrong passphrase) so the
// handler can display it before re-prompting.
type Request struct {
	Type    Type
	Payload string
	Err     error
}

// Response carries the user's input back to the signer. Remember asks
// the signer to cache the secret for subsequent operations in the
// session instead of re-prompting.
type Response struct {
	Secret   string
	Remember bool
}

// Handler resolves a challenge. It suspends until the user submits
// input or the context is cancelled; cancellation must surface as
// ErrAborted (or the context error) so the signer can stop waiting.
type Handler func(ctx context.Context, req Request) (Response, error)

// Static returns a handler that always answers with the given secret.
// Intended for tests and non-interactive tooling.
func Static(secret string, remember bool) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		return Response{Secret: secret, Remember: remember}, nil
	}
}
