package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func strPtr(s string) *string { return &s }

func sampleRecord() Record {
	return Record{
		ConversationID:  "dm:u1:u2",
		Sender:          "u1",
		Ciphertext:      "xyz",
		Nonce:           strPtr("nonce-1"),
		SenderPublicKey: strPtr("pk-1"),
		Metadata:        json.RawMessage(`{"kind":"text"}`),
	}
}

func TestRESTInsert(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		assert.Equal(t, "svc", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":42,"chat_id":"dm:u1:u2","sender":"u1","ciphertext":"xyz",
			"nonce":"nonce-1","sender_public_key":"pk-1","metadata":{"kind":"text"},
			"created_at":"2024-05-01T12:00:00.123456+00:00"}]`))
	}))
	defer srv.Close()

	s := NewREST(srv.URL, "svc", "messages", srv.Client(), zaptest.NewLogger(t))
	defer s.Close()

	stored, err := s.Insert(context.Background(), sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, int64(42), stored.ID)
	assert.Equal(t, "u1", stored.Sender)
	assert.Equal(t, "nonce-1", *stored.Nonce)
	assert.JSONEq(t, `{"kind":"text"}`, string(stored.Metadata))
	assert.True(t, stored.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)))

	assert.Equal(t, "dm:u1:u2", got["chat_id"])
	assert.Equal(t, "u1", got["sender"])
	assert.NotContains(t, got, "id")
}

func TestRESTInsertKeepsCreatedAtText(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	tests := []struct {
		name      string
		createdAt string
		want      time.Time
	}{
		{"utc offset", `"2024-05-01T12:00:00.123456+00:00"`, want},
		{"zone-less", `"2024-05-01T12:00:00.123456"`, want},
		{"space separated", `"2024-05-01 12:00:00.123456"`, want},
		{"other offset", `"2024-05-01T14:00:00.123456+02:00"`, want},
		{"unrecognised", `"yesterday"`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`[{"id":7,"chat_id":"dm:u1:u2","sender":"u1","ciphertext":"xyz",
					"created_at":` + tt.createdAt + `}]`))
			}))
			defer srv.Close()

			stored, err := NewREST(srv.URL, "svc", "messages", srv.Client(), nil).
				Insert(context.Background(), sampleRecord())
			require.NoError(t, err)
			assert.Equal(t, int64(7), stored.ID)
			assert.True(t, stored.CreatedAt.Equal(tt.want), "got %v", stored.CreatedAt.Time)

			text, err := stored.CreatedAt.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tt.createdAt, string(text))
		})
	}
}

func TestRESTInsertFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"conflict", http.StatusConflict, `{"message":"duplicate"}`},
		{"server error", http.StatusInternalServerError, ``},
		{"not an array", http.StatusCreated, `{"id":1}`},
		{"empty array", http.StatusCreated, `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := NewREST(srv.URL, "svc", "messages", srv.Client(), nil)
			stored, err := s.Insert(context.Background(), sampleRecord())
			assert.Nil(t, stored)
			assert.True(t, errors.Is(err, ErrInsertFailed), "got %v", err)
		})
	}
}

func TestRESTInsertUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewREST(url, "svc", "messages", nil, nil).Insert(context.Background(), sampleRecord())
	assert.True(t, errors.Is(err, ErrInsertFailed), "got %v", err)
}

func TestSQLiteInsert(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"), "messages")
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Insert(ctx, sampleRecord())
	require.NoError(t, err)
	rec := sampleRecord()
	rec.Nonce = nil
	rec.Metadata = nil
	second, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, first.CreatedAt.Location())
	assert.Equal(t, "xyz", second.Ciphertext)
	assert.Equal(t, 2, countRows(t, s, "dm:u1:u2"))
}

func countRows(t *testing.T, s *SQLite, chatID string) int {
	t.Helper()
	var n int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+s.table+" WHERE chat_id = ?", chatID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSQLiteConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"), "messages")
	require.NoError(t, err)
	defer s.Close()

	const writers = 8
	var wg sync.WaitGroup
	ids := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stored, err := s.Insert(ctx, sampleRecord())
			if assert.NoError(t, err) {
				ids <- stored.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers)
}

func TestMemoryInsert(t *testing.T) {
	m := NewMemory()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	a, err := m.Insert(context.Background(), sampleRecord())
	require.NoError(t, err)
	b, err := m.Insert(context.Background(), sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, fixed, a.CreatedAt.Time)
	assert.Len(t, m.Records(), 2)
}

func TestMemoryInsertCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Insert(ctx, sampleRecord())
	assert.True(t, errors.Is(err, ErrInsertFailed))
}

func TestRedisInsert(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := OpenRedis(ctx, addr)
	require.NoError(t, err)
	defer r.Close()

	rec := sampleRecord()
	rec.ConversationID = "test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano)
	stored, err := r.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Positive(t, stored.ID)

	entries, err := r.rdb.XRange(ctx, StreamKey(rec.ConversationID), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "xyz", entries[0].Values["ciphertext"])
	_ = r.rdb.Del(ctx, StreamKey(rec.ConversationID)).Err()
}

func TestPostgresInsert(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn, "relay_messages_test")
	require.NoError(t, err)
	defer p.Close()

	stored, err := p.Insert(ctx, sampleRecord())
	require.NoError(t, err)
	assert.Positive(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())
}
