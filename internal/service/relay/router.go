package relay

import (
	"context"
	"errors"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/hashing"
	"github.com/Dima4663737373/private-messanger-sub001/internal/metrics"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	msgrepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/message"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// handleDM routes a message intent. The sender is always the
// connection's authenticated identity; client-supplied sender fields
// are ignored.
func (s *Server) handleDM(ctx context.Context, c *Conn, frame *model.Frame) {
	if !s.guard.AllowMessage(c.id) {
		metrics.RateLimited.WithLabelValues("message").Inc()
		c.sendError(model.CodeRateLimited, "message rate exceeded", true)
		return
	}

	if frame.RecipientHash == "" || len(frame.Payload) == 0 || frame.Timestamp == 0 {
		c.sendError(model.CodeProtocolError, "recipient_hash, payload and ts are required", false)
		return
	}

	identity, senderHash, _, _ := c.session()
	recipient := s.resolveRecipient(ctx, frame.RecipientHash)

	msg := &model.Message{
		Sender:        identity,
		Recipient:     recipient,
		SenderHash:    senderHash,
		RecipientHash: frame.RecipientHash,
		DialogHash:    hashing.DialogHash(senderHash, frame.RecipientHash),
		Payload:       frame.Payload,
		SelfPayload:   frame.SelfPayload,
		Timestamp:     frame.Timestamp,
		Status:        model.StatusSent,
		ReplyTo:       frame.ReplyTo,
		ExpireAt:      frame.ExpireAt,
	}

	id, created, err := s.messages.InsertIdempotent(ctx, msg)
	if err != nil {
		// Write-path failures surface to the caller for retry, never
		// swallowed.
		log.Error("message insert failed",
			zap.String("sender_hash", senderHash), zap.Error(err))
		c.sendError(model.CodeStoreError, "message not stored, retry", true)
		return
	}
	msg.ID = id
	if !created {
		metrics.MessagesDeduped.Inc()
	}
	metrics.MessagesRouted.WithLabelValues("realtime").Inc()

	// Ack the sender with the canonical identifier so an optimistic
	// client can reconcile its locally queued entry.
	c.send(&model.Frame{
		Type:          model.TypeDMSent,
		CorrelationID: frame.CorrelationID,
		MessageID:     id.Hex(),
		Timestamp:     msg.Timestamp,
	})

	sent := s.registry.SendToHashes(&model.Frame{
		Type:    model.TypeMessageDetected,
		Message: msg,
	}, msg.SenderHash, msg.RecipientHash)
	metrics.FanoutFrames.Add(float64(sent))
}

// resolveRecipient maps an identity hash back to an address: registry
// repository first, then live connections, else the sentinel. An
// unresolved recipient never drops the message.
func (s *Server) resolveRecipient(ctx context.Context, recipientHash string) string {
	registered, err := s.identities.GetByHash(ctx, recipientHash)
	if err != nil {
		log.Warn("recipient resolution failed", zap.Error(err))
	}
	if registered != nil {
		return registered.Address
	}

	if identity, ok := s.registry.ResolveIdentity(recipientHash); ok {
		return identity
	}
	return hashing.UnknownIdentity
}

func (s *Server) handleEdit(ctx context.Context, c *Conn, frame *model.Frame) {
	_, senderHash, _, _ := c.session()

	id, ok := s.parseMessageID(c, frame.MessageID)
	if !ok {
		return
	}
	if len(frame.Payload) == 0 {
		c.sendError(model.CodeProtocolError, "payload is required", false)
		return
	}

	if err := s.messages.Edit(ctx, id, senderHash, frame.Payload, time.Now().UnixMilli()); err != nil {
		if errors.Is(err, msgrepo.ErrNotFound) {
			c.sendError(model.CodeAuthError, "not the sender of this message", false)
		} else {
			c.sendError(model.CodeStoreError, "edit failed, retry", true)
		}
		return
	}

	msg, err := s.messages.GetByID(ctx, id)
	if err != nil || msg == nil {
		log.Warn("edited message fetch failed", zap.String("id", frame.MessageID), zap.Error(err))
		return
	}
	s.registry.SendToHashes(&model.Frame{
		Type:    model.TypeMessageEdited,
		Message: msg,
	}, msg.SenderHash, msg.RecipientHash)
}

func (s *Server) handleDelete(ctx context.Context, c *Conn, frame *model.Frame) {
	_, senderHash, _, _ := c.session()

	id, ok := s.parseMessageID(c, frame.MessageID)
	if !ok {
		return
	}

	// Fetch first: the participants are needed for fan-out after the
	// record is gone.
	msg, err := s.messages.GetByID(ctx, id)
	if err != nil {
		c.sendError(model.CodeStoreError, "delete failed, retry", true)
		return
	}
	if msg == nil || msg.SenderHash != senderHash {
		c.sendError(model.CodeAuthError, "not the sender of this message", false)
		return
	}

	if err := s.messages.Delete(ctx, id, senderHash); err != nil {
		c.sendError(model.CodeStoreError, "delete failed, retry", true)
		return
	}

	s.registry.SendToHashes(&model.Frame{
		Type:      model.TypeMessageDeleted,
		MessageID: frame.MessageID,
	}, msg.SenderHash, msg.RecipientHash)
}

// handleTyping relays a typing indicator to the other participant of
// the dialog only.
func (s *Server) handleTyping(c *Conn, frame *model.Frame) {
	_, senderHash, _, _ := c.session()

	other, ok := s.counterpart(c, frame.DialogHash, senderHash)
	if !ok {
		return
	}

	s.registry.SendToHashes(&model.Frame{
		Type:       model.TypeTyping,
		DialogHash: frame.DialogHash,
		SenderHash: senderHash,
	}, other)
}

// handleReadReceipt durably marks messages read and relays the receipt
// to the other participant.
func (s *Server) handleReadReceipt(ctx context.Context, c *Conn, frame *model.Frame) {
	_, senderHash, _, _ := c.session()

	other, ok := s.counterpart(c, frame.DialogHash, senderHash)
	if !ok {
		return
	}

	ids := make([]primitive.ObjectID, 0, len(frame.MessageIDs))
	for _, raw := range frame.MessageIDs {
		id, err := primitive.ObjectIDFromHex(raw)
		if err != nil {
			c.sendError(model.CodeProtocolError, "malformed message id", false)
			return
		}
		ids = append(ids, id)
	}

	if err := s.messages.SetStatus(ctx, ids, model.StatusRead); err != nil {
		c.sendError(model.CodeStoreError, "read receipt not stored, retry", true)
		return
	}

	s.registry.SendToHashes(&model.Frame{
		Type:       model.TypeReadReceipt,
		DialogHash: frame.DialogHash,
		SenderHash: senderHash,
		MessageIDs: frame.MessageIDs,
	}, other)
}

func (s *Server) parseMessageID(c *Conn, raw string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		c.sendError(model.CodeProtocolError, "malformed message id", false)
		return primitive.NilObjectID, false
	}
	return id, true
}

// counterpart splits a dialog hash and returns the participant that is
// not senderHash, rejecting dialogs the sender is not part of.
func (s *Server) counterpart(c *Conn, dialogHash, senderHash string) (string, bool) {
	a, b, err := hashing.SplitDialogHash(dialogHash)
	if err != nil {
		c.sendError(model.CodeProtocolError, "malformed dialog hash", false)
		return "", false
	}

	switch senderHash {
	case a:
		return b, true
	case b:
		return a, true
	default:
		c.sendError(model.CodeAuthError, "dialog does not involve this identity", false)
		return "", false
	}
}

// NotifyLedgerMessage fans a ledger-reconciled message out to live
// participant connections. Ledger data being public does not license
// broadcasting it wider.
func (s *Server) NotifyLedgerMessage(msg *model.Message) {
	sent := s.registry.SendToHashes(&model.Frame{
		Type:    model.TypeMessageDetected,
		Message: msg,
	}, msg.SenderHash, msg.RecipientHash)
	metrics.FanoutFrames.Add(float64(sent))
}
