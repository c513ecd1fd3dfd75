// Package store persists published messages and returns them with the
// identifier and creation time assigned by the backend.
package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrInsertFailed wraps every backend failure returned by Insert.
var ErrInsertFailed = errors.New("message insert failed")

// Record is a message as submitted for persistence. Sender is always the
// authenticated identity of the publishing connection.
type Record struct {
	ConversationID  string          `json:"chat_id"`
	Sender          string          `json:"sender"`
	Ciphertext      string          `json:"ciphertext"`
	Nonce           *string         `json:"nonce,omitempty"`
	SenderPublicKey *string         `json:"sender_public_key,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// StoredRecord is a Record after the backend accepted it.
type StoredRecord struct {
	ID        int64     `json:"id"`
	CreatedAt Timestamp `json:"created_at"`
	Record
}

// Store durably records messages.
type Store interface {
	Insert(ctx context.Context, rec Record) (*StoredRecord, error)
	Close() error
}

func insertFailed(err error, msg string) error {
	return errors.Wrap(ErrInsertFailed, msg+": "+err.Error())
}

// metadataArg converts opaque metadata into a driver argument, mapping an
// absent or JSON null value to SQL NULL.
func metadataArg(m json.RawMessage) any {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return string(m)
}
