// Package server gates every connection behind a single credential exchange
// and bounds collaborator calls by the configured timeout.
package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/cipherrelay/internal/identity"
)

// ErrAuthFailed covers every way a credential can fail to resolve to an
// identity: empty, rejected, unreachable collaborator, or timeout.
var ErrAuthFailed = errors.New("authentication failed")

// callWithTimeout runs fn with a context bounded by timeout and returns as
// soon as either fn finishes or the deadline passes, even if fn ignores ctx.
func callWithTimeout[T any](parent context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "collaborator call")
	}
}

// authGate resolves an access token to a user identifier through the
// configured verifier.
type authGate struct {
	verifier identity.Verifier
	timeout  time.Duration
}

func (g authGate) authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.Wrap(ErrAuthFailed, "empty access token")
	}

	user, err := callWithTimeout(ctx, g.timeout, func(ctx context.Context) (*identity.User, error) {
		return g.verifier.Verify(ctx, token)
	})
	if err != nil {
		return "", errors.Wrapf(ErrAuthFailed, "verify token: %v", err)
	}
	if user == nil || user.ID == "" {
		return "", errors.Wrap(ErrAuthFailed, "verifier returned no user id")
	}
	return user.ID, nil
}
