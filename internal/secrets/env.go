package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envScheme prefixes credential references that point at process
// environment variables, e.g. "env://ANTHROPIC_API_KEY" in an agent
// runtime's credential_ref.
const envScheme = "env://"

// EnvProvider resolves env:// credential references against the process
// environment. It is the default provider: agent API keys and hosting
// tokens land in the environment via .env or the deployment manifest, and
// configuration names them by reference instead of carrying the value.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

// Resolve looks up the variable an env:// reference names. Surrounding
// whitespace is stripped, since keys pasted into .env files tend to carry
// a trailing newline. Error messages name the variable, never its value.
func (p *EnvProvider) Resolve(_ context.Context, credentialRef string) (string, error) {
	name, ok := strings.CutPrefix(credentialRef, envScheme)
	if !ok {
		return "", fmt.Errorf("%w: reference %q is not an env:// reference", ErrSecretNotFound, credentialRef)
	}
	if name == "" {
		return "", fmt.Errorf("%w: reference %q names no variable", ErrSecretNotFound, credentialRef)
	}
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("%w: variable %s is unset or empty", ErrSecretNotFound, name)
	}
	return value, nil
}
