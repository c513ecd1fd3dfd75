// Package protocol defines the JSON messages exchanged between relay clients
// and the server. Inbound messages decode into a closed set of variants; an
// unrecognized type tag decodes to Unknown so callers can reject it.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Inbound message type tags.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMessage     = "message"
)

// Outbound message type tags.
const (
	TypeAuthResult   = "auth_result"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// ErrorKind is the value of the "error" field in an error message.
type ErrorKind string

// Error kinds reported to clients.
const (
	ErrKindInvalidJSON          ErrorKind = "invalid_json"
	ErrKindNotAuthenticated     ErrorKind = "not_authenticated"
	ErrKindAlreadyAuthenticated ErrorKind = "already_authenticated"
	ErrKindUnknownType          ErrorKind = "unknown_type"
	ErrKindMissingFields        ErrorKind = "missing_fields"
	ErrKindDBInsertFailed       ErrorKind = "db_insert_failed"
	ErrKindRateLimited          ErrorKind = "rate_limited"
)

// ErrInvalidJSON is returned by Decode for payloads that are not a JSON object.
var ErrInvalidJSON = errors.New("invalid json payload")

// Inbound is implemented by every client message variant.
type Inbound interface {
	MessageType() string
}

// Auth carries the bearer credential presented by the client.
type Auth struct {
	AccessToken string `json:"accessToken"`
}

// Subscribe asks to receive messages published to a conversation.
type Subscribe struct {
	ChatID string `json:"chat_id"`
}

// Unsubscribe stops delivery of a conversation's messages.
type Unsubscribe struct {
	ChatID string `json:"chat_id"`
}

// Publish submits an opaque encrypted payload to a conversation. Any sender
// field supplied by the client is ignored.
type Publish struct {
	ChatID          string          `json:"chat_id"`
	Ciphertext      string          `json:"ciphertext"`
	Nonce           *string         `json:"nonce,omitempty"`
	SenderPublicKey *string         `json:"sender_public_key,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Unknown is any message whose type tag is missing or unrecognized.
type Unknown struct {
	Type string
}

func (Auth) MessageType() string        { return TypeAuth }
func (Subscribe) MessageType() string   { return TypeSubscribe }
func (Unsubscribe) MessageType() string { return TypeUnsubscribe }
func (Publish) MessageType() string     { return TypeMessage }
func (u Unknown) MessageType() string   { return u.Type }

// Decode parses a raw client frame into one of the Inbound variants.
func Decode(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrInvalidJSON
	}

	tag := root.Get("type")
	if tag.Type != gjson.String {
		return Unknown{Type: tag.Raw}, nil
	}

	var (
		msg Inbound
		err error
	)
	switch tag.Str {
	case TypeAuth:
		var m Auth
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeSubscribe:
		var m Subscribe
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m Unsubscribe
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeMessage:
		var m Publish
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return Unknown{Type: tag.Str}, nil
	}
	if err != nil {
		// Well-formed JSON whose fields have the wrong types.
		return nil, errors.Wrap(ErrInvalidJSON, err.Error())
	}
	return msg, nil
}

// AuthResult answers an Auth request.
type AuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
}

// Subscribed acknowledges a Subscribe request.
type Subscribed struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// Unsubscribed acknowledges an Unsubscribe request.
type Unsubscribed struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// Error reports a protocol, authentication or persistence failure.
type Error struct {
	Type  string    `json:"type"`
	Error ErrorKind `json:"error"`
}

// Message is a persisted record fanned out to a conversation's subscribers.
type Message struct {
	Type            string          `json:"type"`
	ID              int64           `json:"id"`
	ChatID          string          `json:"chat_id"`
	Sender          string          `json:"sender"`
	Ciphertext      string          `json:"ciphertext"`
	Nonce           *string         `json:"nonce"`
	SenderPublicKey *string         `json:"sender_public_key"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       json.RawMessage `json:"created_at"`
}

// NewAuthResult builds an auth_result message.
func NewAuthResult(ok bool, userID string) AuthResult {
	return AuthResult{Type: TypeAuthResult, OK: ok, UserID: userID}
}

// NewSubscribed builds a subscribed acknowledgement.
func NewSubscribed(chatID string) Subscribed {
	return Subscribed{Type: TypeSubscribed, ChatID: chatID}
}

// NewUnsubscribed builds an unsubscribed acknowledgement.
func NewUnsubscribed(chatID string) Unsubscribed {
	return Unsubscribed{Type: TypeUnsubscribed, ChatID: chatID}
}

// NewError builds an error message of the given kind.
func NewError(kind ErrorKind) Error {
	return Error{Type: TypeError, Error: kind}
}

// Encode marshals an outbound message. Null metadata is normalized so the
// field is always present.
func Encode(msg any) ([]byte, error) {
	if m, ok := msg.(Message); ok {
		if len(m.Metadata) == 0 {
			m.Metadata = json.RawMessage("null")
		}
		if len(m.CreatedAt) == 0 {
			m.CreatedAt = json.RawMessage("null")
		}
		msg = m
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode outbound message")
	}
	return data, nil
}
