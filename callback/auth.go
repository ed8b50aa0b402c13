package callback

import (
	"fmt"

	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
)

// AuthGate rejects inbound REVOKE/UPDATE calls that don't carry a valid bearer token, so a
// manager impersonation attempt on the client's one inbound network surface is caught before it
// reaches the hash cache.
type AuthGate struct {
	verifier *jwtverifier.JwtVerifier
}

// NewAuthGate builds a gate that verifies tokens issued by issuer (an Okta org authorization
// server URL) against the given claim requirements (typically audience and client id).
func NewAuthGate(issuer string, claimsToValidate map[string]string) *AuthGate {
	setup := jwtverifier.JwtVerifier{
		Issuer:           issuer,
		ClaimsToValidate: claimsToValidate,
	}
	return &AuthGate{verifier: setup.New()}
}

// Verify checks token (without the "Bearer " prefix, already stripped by the caller) and returns
// a non-nil error if it is missing, malformed, or fails claim validation.
func (a *AuthGate) Verify(token string) error {
	if a == nil || a.verifier == nil {
		return nil
	}
	if token == "" {
		return fmt.Errorf("callback: missing bearer token")
	}
	if _, err := a.verifier.VerifyAccessToken(token); err != nil {
		return fmt.Errorf("callback: token verification failed: %w", err)
	}
	return nil
}
