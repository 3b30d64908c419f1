package vertex

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL matches the one-hour bearer lifetime GCP service-account JWTs are
// minted with.
const tokenTTL = time.Hour

// refreshSkew re-mints the token once it is within this window of expiry
// rather than waiting for it to lapse mid-request.
const refreshSkew = 60 * time.Second

// Credentials holds the pieces of a GCP service-account key required to
// sign a bearer JWT: the key id (for the token's kid header), the RSA
// private key in PEM form, and the client email used as both issuer and
// subject.
type Credentials struct {
	PrivateKeyID string
	PrivateKeyPEM string
	ClientEmail   string
}

// tokenSigner mints and caches a short-lived RS256 bearer JWT for a fixed
// audience, re-signing only when the cached token is near expiry.
type tokenSigner struct {
	creds    Credentials
	audience string

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

func newTokenSigner(creds Credentials, audience string) *tokenSigner {
	return &tokenSigner{creds: creds, audience: audience}
}

func (s *tokenSigner) token(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && now.Before(s.expiresAt.Add(-refreshSkew)) {
		return s.cached, nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.creds.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("vertex: parse service account private key: %w", err)
	}

	exp := now.Add(tokenTTL)
	claims := jwt.MapClaims{
		"iss": s.creds.ClientEmail,
		"sub": s.creds.ClientEmail,
		"aud": s.audience,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.creds.PrivateKeyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("vertex: sign bearer jwt: %w", err)
	}

	s.cached = signed
	s.expiresAt = exp
	return signed, nil
}
