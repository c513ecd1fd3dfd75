package identity

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims are the token claims the relay reads. Subject carries the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed access tokens locally, without a round
// trip to the auth service.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "verify token")
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.Wrap(ErrUnauthorized, "token has no subject")
	}

	return &User{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}
