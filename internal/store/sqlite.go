package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite persists messages in a local SQLite database. Writes go through a
// single connection.
type SQLite struct {
	db     *sql.DB
	table  string
	insert string
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path and prepares the table.
func OpenSQLite(ctx context.Context, path, table string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	ident := quoteIdent(table)
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id           TEXT    NOT NULL,
		sender            TEXT    NOT NULL,
		ciphertext        TEXT    NOT NULL,
		nonce             TEXT,
		sender_public_key TEXT,
		metadata          TEXT,
		created_at        INTEGER NOT NULL
	)`, ident)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create messages table")
	}

	return &SQLite{
		db:    db,
		table: ident,
		insert: fmt.Sprintf(`INSERT INTO %s (chat_id, sender, ciphertext, nonce, sender_public_key, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, ident),
		now: time.Now,
	}, nil
}

// Insert implements Store.
func (s *SQLite) Insert(ctx context.Context, rec Record) (*StoredRecord, error) {
	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.insert,
		rec.ConversationID, rec.Sender, rec.Ciphertext, rec.Nonce, rec.SenderPublicKey,
		metadataArg(rec.Metadata), created.UnixMicro(),
	)
	if err != nil {
		return nil, insertFailed(err, "insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, insertFailed(err, "read message id")
	}
	return &StoredRecord{ID: id, CreatedAt: At(time.UnixMicro(created.UnixMicro())), Record: rec}, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
