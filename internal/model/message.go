package model

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

type (
	// Message is the durable record shared by the real-time router and
	// the ledger reconciliation loop. The triple
	// (SenderHash, RecipientHash, Timestamp) is globally unique; both
	// write paths converge on one record through it.
	Message struct {
		ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
		Sender        string             `bson:"sender" json:"sender"`
		Recipient     string             `bson:"recipient" json:"recipient"`
		SenderHash    string             `bson:"sender_hash" json:"sender_hash"`
		RecipientHash string             `bson:"recipient_hash" json:"recipient_hash"`
		DialogHash    string             `bson:"dialog_hash" json:"dialog_hash"`
		Payload       []byte             `bson:"payload" json:"payload"`
		SelfPayload   []byte             `bson:"self_payload,omitempty" json:"self_payload,omitempty"`
		Timestamp     int64              `bson:"ts" json:"ts"`
		Status        MessageStatus      `bson:"status" json:"status"`
		ReplyTo       string             `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
		EditedAt      int64              `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
		ExpireAt      int64              `bson:"expire_at,omitempty" json:"expire_at,omitempty"`
		LedgerHeight  int64              `bson:"ledger_height" json:"ledger_height"`
	}
)
