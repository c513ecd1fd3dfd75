package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// REST inserts rows through the hosted storage service's REST interface,
// authenticating with the privileged service key.
type REST struct {
	endpoint   string
	serviceKey string
	client     *http.Client
	logger     *zap.Logger
}

// NewREST creates a store writing to table on the service at baseURL.
func NewREST(baseURL, serviceKey, table string, client *http.Client, logger *zap.Logger) *REST {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &REST{
		endpoint:   strings.TrimRight(baseURL, "/") + "/rest/v1/" + url.PathEscape(table),
		serviceKey: serviceKey,
		client:     client,
		logger:     logger.Named("store.rest"),
	}
}

// Insert implements Store.
func (s *REST) Insert(ctx context.Context, rec Record) (*StoredRecord, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, insertFailed(err, "encode record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, insertFailed(err, "build request")
	}
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, insertFailed(err, "call storage service")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, insertFailed(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("storage service rejected insert",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(payload, 256)))
		return nil, errors.Wrapf(ErrInsertFailed, "storage service status %d", resp.StatusCode)
	}

	// The service answers with the inserted rows as an array.
	var rows []StoredRecord
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, insertFailed(err, "decode response")
	}
	if len(rows) != 1 {
		return nil, errors.Wrapf(ErrInsertFailed, "expected 1 row, got %d", len(rows))
	}
	return &rows[0], nil
}

// Close implements Store.
func (s *REST) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
