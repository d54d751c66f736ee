// Package secrets resolves the credential references that appear in
// configuration, such as an agent runtime's credential_ref or the hosting
// token_ref. A reference names where a credential lives; the resolved
// value is injected into the sandbox environment at provisioning time and
// must never appear in composed scripts, logs, or stored error messages.
// Callers log reference strings and env var names only.
package secrets

import (
	"context"
	"fmt"
)

// Provider resolves a credential reference into the raw credential value.
// Implementations must be safe for concurrent use and must not log or
// persist resolved values.
type Provider interface {
	// Resolve returns the credential the reference points at, or
	// ErrSecretNotFound when the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (string, error)

	// Name identifies the provider in logs. Never includes secrets.
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")
