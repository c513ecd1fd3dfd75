package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisSeqKey       = "relay:msg:seq"
	redisStreamPrefix = "relay:chat:"
	redisStreamMaxLen = 100_000
)

// Redis appends messages to one Redis stream per conversation. Identifiers
// come from a global counter so they increase across conversations.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// OpenRedis connects to the Redis server at addr.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedis(rdb), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

// StreamKey returns the stream holding a conversation's messages.
func StreamKey(chatID string) string {
	return redisStreamPrefix + chatID
}

// Insert implements Store.
func (r *Redis) Insert(ctx context.Context, rec Record) (*StoredRecord, error) {
	id, err := r.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return nil, insertFailed(err, "allocate message id")
	}
	created := r.now().UTC()

	values := map[string]any{
		"id":         strconv.FormatInt(id, 10),
		"chat_id":    rec.ConversationID,
		"sender":     rec.Sender,
		"ciphertext": rec.Ciphertext,
		"created_at": created.Format(time.RFC3339Nano),
	}
	if rec.Nonce != nil {
		values["nonce"] = *rec.Nonce
	}
	if rec.SenderPublicKey != nil {
		values["sender_public_key"] = *rec.SenderPublicKey
	}
	if m := metadataArg(rec.Metadata); m != nil {
		values["metadata"] = m
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(rec.ConversationID),
		Values: values,
		Approx: true,
		MaxLen: redisStreamMaxLen,
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return nil, insertFailed(err, "append message stream")
	}

	return &StoredRecord{ID: id, CreatedAt: At(created), Record: rec}, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
