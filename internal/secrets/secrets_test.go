package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEnvProviderResolvesReference(t *testing.T) {
	t.Setenv("KAZI_TEST_API_KEY", " sk-test-0001\n")

	value, err := NewEnvProvider().Resolve(context.Background(), "env://KAZI_TEST_API_KEY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk-test-0001" {
		t.Errorf("value = %q, want surrounding whitespace stripped", value)
	}
}

func TestEnvProviderRejectsForeignScheme(t *testing.T) {
	_, err := NewEnvProvider().Resolve(context.Background(), "vault://kv/agent-key")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvProviderUnsetVariable(t *testing.T) {
	_, err := NewEnvProvider().Resolve(context.Background(), "env://KAZI_TEST_MISSING_KEY")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvProviderErrorNeverCarriesValue(t *testing.T) {
	t.Setenv("KAZI_TEST_BLANK", "   ")

	_, err := NewEnvProvider().Resolve(context.Background(), "env://KAZI_TEST_BLANK")
	if err == nil {
		t.Fatal("blank variable must not resolve")
	}
	if !strings.Contains(err.Error(), "KAZI_TEST_BLANK") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestChainFallsThrough(t *testing.T) {
	t.Setenv("KAZI_TEST_CHAIN_KEY", "from-env")
	chain := NewChain(
		NewStaticProvider(map[string]string{"request-token": "from-static"}),
		NewEnvProvider(),
	)

	got, err := chain.Resolve(context.Background(), "request-token")
	if err != nil || got != "from-static" {
		t.Errorf("static ref = %q, %v", got, err)
	}
	got, err = chain.Resolve(context.Background(), "env://KAZI_TEST_CHAIN_KEY")
	if err != nil || got != "from-env" {
		t.Errorf("env ref = %q, %v", got, err)
	}
	if _, err := chain.Resolve(context.Background(), "nowhere"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unresolvable ref: err = %v", err)
	}
}
