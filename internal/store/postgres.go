package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres writes messages directly into a Postgres table through a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	insert string
}

// OpenPostgres connects to dsn and makes sure the messages table exists.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	ident := pgx.Identifier{table}.Sanitize()
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id                BIGSERIAL PRIMARY KEY,
		chat_id           TEXT        NOT NULL,
		sender            TEXT        NOT NULL,
		ciphertext        TEXT        NOT NULL,
		nonce             TEXT,
		sender_public_key TEXT,
		metadata          JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, ident)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create messages table")
	}

	return &Postgres{
		pool: pool,
		insert: fmt.Sprintf(`INSERT INTO %s (chat_id, sender, ciphertext, nonce, sender_public_key, metadata)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			RETURNING id, created_at`, ident),
	}, nil
}

// Insert implements Store.
func (p *Postgres) Insert(ctx context.Context, rec Record) (*StoredRecord, error) {
	stored := &StoredRecord{Record: rec}
	err := p.pool.QueryRow(ctx, p.insert,
		rec.ConversationID, rec.Sender, rec.Ciphertext, rec.Nonce, rec.SenderPublicKey, metadataArg(rec.Metadata),
	).Scan(&stored.ID, &stored.CreatedAt.Time)
	if err != nil {
		return nil, insertFailed(err, "insert message")
	}
	stored.CreatedAt = At(stored.CreatedAt.Time)
	return stored, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
