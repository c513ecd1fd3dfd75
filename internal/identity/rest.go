package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const userPath = "/auth/v1/user"

// RESTVerifier asks the hosted auth service who owns a token by calling its
// user endpoint with the token as bearer credential.
type RESTVerifier struct {
	baseURL    string
	serviceKey string
	client     *http.Client
	logger     *zap.Logger
}

// NewRESTVerifier creates a verifier for the auth service at baseURL. A nil
// client falls back to http.DefaultClient; callers bound each call through
// the context they pass to Verify.
func NewRESTVerifier(baseURL, serviceKey string, client *http.Client, logger *zap.Logger) *RESTVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     client,
		logger:     logger.Named("identity"),
	}
}

// Verify implements Verifier.
func (v *RESTVerifier) Verify(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+userPath, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "build user request")
	}
	req.Header.Set("apikey", v.serviceKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call auth service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		v.logger.Debug("auth service rejected token", zap.Int("status", resp.StatusCode))
		return nil, errors.Wrapf(ErrUnauthorized, "auth service status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, "decode user response: "+err.Error())
	}
	if user.ID == "" {
		return nil, errors.Wrap(ErrUnauthorized, "user response has no id")
	}
	return &user, nil
}
