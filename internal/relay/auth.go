package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks register credentials: HS256 tokens whose subject is the
// registering identity. A Verifier with an empty secret accepts any
// non-empty identity.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether credentials are checked.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks that credential was issued for identity.
func (v *Verifier) Verify(identity, credential string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrUnauthorized)
	}
	if !v.Enabled() {
		return nil
	}
	if credential == "" {
		return fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject != identity {
		return fmt.Errorf("%w: token subject %q does not match identity %q", ErrUnauthorized, claims.Subject, identity)
	}
	return nil
}

// IssueToken mints an HS256 credential for identity. A zero ttl issues a
// token without expiry.
func IssueToken(secret, identity string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    "logrelay",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
