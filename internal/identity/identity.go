// Package identity verifies client access tokens against an identity
// provider and returns the user they belong to.
package identity

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnauthorized is returned when the provider rejects the credential or
// answers without a usable identity.
var ErrUnauthorized = errors.New("credential rejected")

// User is the identity resolved from an access token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Verifier resolves an opaque bearer credential into a User.
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}
