// Package server routes decoded protocol messages to their handlers and
// persists published messages before relaying them.
package server

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherrelay/internal/protocol"
	"github.com/Tyrowin/cipherrelay/internal/store"
)

var knownTypes = map[string]bool{
	protocol.TypeAuth:        true,
	protocol.TypeSubscribe:   true,
	protocol.TypeUnsubscribe: true,
	protocol.TypeMessage:     true,
}

// handleMessage runs one inbound frame through the connection's protocol
// state machine. It returns false when the connection must stop reading.
func (c *Client) handleMessage(raw []byte) bool {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.hub.metrics.messagesReceived.WithLabelValues("invalid").Inc()
		c.logger.Debug("rejecting malformed frame", zap.Error(err))
		c.replyError(protocol.ErrKindInvalidJSON)
		return true
	}

	label := msg.MessageType()
	if !knownTypes[label] {
		label = "unknown"
	}
	c.hub.metrics.messagesReceived.WithLabelValues(label).Inc()

	if !c.IsAuthenticated() {
		auth, ok := msg.(protocol.Auth)
		if !ok {
			c.replyError(protocol.ErrKindNotAuthenticated)
			return true
		}
		return c.handleAuth(auth)
	}

	switch m := msg.(type) {
	case protocol.Auth:
		c.replyError(protocol.ErrKindAlreadyAuthenticated)
	case protocol.Subscribe:
		c.handleSubscribe(m)
	case protocol.Unsubscribe:
		c.handleUnsubscribe(m)
	case protocol.Publish:
		c.handlePublish(m)
	default:
		c.replyError(protocol.ErrKindUnknownType)
	}
	return true
}

// handleAuth verifies the credential. A failed attempt is answered and the
// connection is closed once the answer has been written.
func (c *Client) handleAuth(m protocol.Auth) bool {
	userID, err := c.hub.gate.authenticate(c.ctx, m.AccessToken)
	if err != nil {
		c.hub.metrics.authFailures.Inc()
		c.logger.Info("authentication failed", zap.Error(err))
		payload, encErr := protocol.Encode(protocol.NewAuthResult(false, ""))
		if encErr != nil {
			c.Close()
			return false
		}
		c.finish(payload)
		return false
	}

	if err := c.MarkAuthenticated(userID); err != nil {
		c.replyError(protocol.ErrKindAlreadyAuthenticated)
		return true
	}
	c.logger.Info("client authenticated", zap.String("user_id", userID))
	c.reply(protocol.NewAuthResult(true, userID))
	return true
}

func (c *Client) handleSubscribe(m protocol.Subscribe) {
	if m.ChatID == "" {
		c.replyError(protocol.ErrKindMissingFields)
		return
	}
	if !c.hub.rooms.Join(m.ChatID, c) {
		return
	}
	c.logger.Debug("subscribed", zap.String("chat_id", m.ChatID))
	c.reply(protocol.NewSubscribed(m.ChatID))
}

func (c *Client) handleUnsubscribe(m protocol.Unsubscribe) {
	if m.ChatID == "" {
		c.replyError(protocol.ErrKindMissingFields)
		return
	}
	c.hub.rooms.Leave(m.ChatID, c)
	c.logger.Debug("unsubscribed", zap.String("chat_id", m.ChatID))
	c.reply(protocol.NewUnsubscribed(m.ChatID))
}

// handlePublish persists the message and, only once it is stored, fans the
// stored record out to every subscriber of the conversation, sender included.
func (c *Client) handlePublish(m protocol.Publish) {
	if m.ChatID == "" || m.Ciphertext == "" {
		c.replyError(protocol.ErrKindMissingFields)
		return
	}

	rec := store.Record{
		ConversationID:  m.ChatID,
		Sender:          c.UserID(),
		Ciphertext:      m.Ciphertext,
		Nonce:           m.Nonce,
		SenderPublicKey: m.SenderPublicKey,
		Metadata:        m.Metadata,
	}
	stored, err := c.hub.persist(c.ctx, rec)
	if err != nil {
		c.hub.metrics.persistFailures.Inc()
		c.logger.Warn("persist message", zap.String("chat_id", m.ChatID), zap.Error(err))
		c.replyError(protocol.ErrKindDBInsertFailed)
		return
	}

	createdAt, err := stored.CreatedAt.MarshalJSON()
	if err != nil {
		c.logger.Error("encode created_at", zap.Int64("id", stored.ID), zap.Error(err))
		return
	}
	payload, err := protocol.Encode(protocol.Message{
		Type:            protocol.TypeMessage,
		ID:              stored.ID,
		ChatID:          stored.ConversationID,
		Sender:          stored.Sender,
		Ciphertext:      stored.Ciphertext,
		Nonce:           stored.Nonce,
		SenderPublicKey: stored.SenderPublicKey,
		Metadata:        stored.Metadata,
		CreatedAt:       createdAt,
	})
	if err != nil {
		c.logger.Error("encode stored message", zap.Int64("id", stored.ID), zap.Error(err))
		return
	}

	delivered := c.hub.broadcast(stored.ConversationID, payload, nil)
	c.logger.Debug("message relayed",
		zap.String("chat_id", stored.ConversationID),
		zap.Int64("id", stored.ID),
		zap.Int("delivered", delivered))
}

// persist stores rec within the collaborator timeout.
func (h *Hub) persist(ctx context.Context, rec store.Record) (*store.StoredRecord, error) {
	stored, err := callWithTimeout(ctx, h.cfg.CollaboratorTimeout, func(ctx context.Context) (*store.StoredRecord, error) {
		return h.store.Insert(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errors.Wrap(store.ErrInsertFailed, "store returned no record")
	}
	return stored, nil
}

// reply encodes msg and queues it to this connection only.
func (c *Client) reply(msg any) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode reply", zap.Error(err))
		return
	}
	if !c.queue(payload) && c.isOpen() {
		c.hub.evictSlow(c)
	}
}

func (c *Client) replyError(kind protocol.ErrorKind) {
	c.reply(protocol.NewError(kind))
}
