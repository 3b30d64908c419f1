package gateway

import "os"

// Secret wraps a credential value so that fmt/log formatting never renders
// it in clear text. Reveal is the only way to get the underlying value back
// out.
type Secret struct {
	value string
}

// NewSecret wraps value in a Secret.
func NewSecret(value string) Secret { return Secret{value: value} }

// Reveal returns the underlying credential value.
func (s Secret) Reveal() string { return s.value }

// String implements fmt.Stringer with a fixed redaction marker.
func (s Secret) String() string { return "***" }

// GoString implements fmt.GoStringer with a fixed redaction marker so %#v
// never leaks the value either.
func (s Secret) GoString() string { return "gateway.Secret(***)" }

// CredentialSource resolves a named provider credential, preferring a
// per-request override map over the process environment.
type CredentialSource struct {
	// Overrides is the per-request credentials map (string -> secret).
	Overrides map[string]string
}

// Resolve looks up name first in Overrides, then in the named environment
// variable envVar. It returns APIKeyMissingError{providerName} if neither
// source has a non-empty value.
func (c CredentialSource) Resolve(providerName, name, envVar string) (Secret, error) {
	if v, ok := c.Overrides[name]; ok && v != "" {
		return NewSecret(v), nil
	}
	if v := os.Getenv(envVar); v != "" {
		return NewSecret(v), nil
	}
	return Secret{}, &APIKeyMissingError{ProviderName: providerName}
}
