package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFailureDelay is how long a failed authorization stalls before
// answering, to deter brute force against the shared secret.
const DefaultFailureDelay = 3 * time.Second

/*
Guard protects the Sidekick broker's server-facing surface. The covenant
server mints short-lived HS256 tokens over the shared secret and presents
them as bearer credentials; the broker verifies them here.
*/
type Guard struct {
	signingKey   []byte
	failureDelay time.Duration

	// sleep is swappable so tests do not wait out real delays.
	sleep func(time.Duration)
}

// NewGuard creates a guard over the shared secret.
func NewGuard(secret string, failureDelay time.Duration) *Guard {
	if failureDelay <= 0 {
		failureDelay = DefaultFailureDelay
	}

	return &Guard{
		signingKey:   []byte(secret),
		failureDelay: failureDelay,
		sleep:        time.Sleep,
	}
}

func (g *Guard) getSigningKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return g.signingKey, nil
}

// MintToken issues a bearer token for the server-side surface.
func (g *Guard) MintToken(subject string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	})

	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Authorize validates an Authorization header value. Every failure path
// stalls for the configured delay before returning.
func (g *Guard) Authorize(authorization string) error {
	if err := g.check(authorization); err != nil {
		g.sleep(g.failureDelay)
		return err
	}
	return nil
}

func (g *Guard) check(authorization string) error {
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return fmt.Errorf("missing bearer credential")
	}

	tokenStr := strings.TrimSpace(authorization[7:])

	token, err := jwt.Parse(tokenStr, g.getSigningKey)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token expired")
	}

	return nil
}
