package signedstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature verification or
// is otherwise malformed.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpired is returned when a token's exp claim is in the past. It wraps
// ErrInvalidToken so callers that only care about validity can check for
// that alone.
var ErrExpired = fmt.Errorf("%w: expired", ErrInvalidToken)

// Codec signs and verifies short-lived state tokens with a process-wide
// symmetric secret. Claims are opaque to the codec; it only manages the
// exp claim.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec from the shared signing secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode signs the given claims as an HS256 token expiring after ttl.
// The claims map is not modified.
func (c *Codec) Encode(claims map[string]interface{}, ttl time.Duration) (string, error) {
	mapped := jwt.MapClaims{}
	for k, v := range claims {
		mapped[k] = v
	}
	mapped["exp"] = time.Now().Add(ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapped)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing state token: %w", err)
	}
	return signed, nil
}

// Decode verifies the token signature and expiry and returns the claims.
// An expired token yields ErrExpired; any other failure yields
// ErrInvalidToken.
func (c *Codec) Decode(tokenString string) (map[string]interface{}, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	out := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return out, nil
}
