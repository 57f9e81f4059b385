package model

// Frame types, client to server.
const (
	TypeAuth            = "AUTH"
	TypeAuthResponse    = "AUTH_RESPONSE"
	TypeAuthKeyMismatch = "AUTH_KEY_MISMATCH"
	TypeRegisterKey     = "REGISTER_KEY"
	TypeSubscribe       = "SUBSCRIBE"
	TypeSubscribeRoom   = "SUBSCRIBE_ROOM"
	TypeUnsubscribeRoom = "UNSUBSCRIBE_ROOM"
	TypeDMMessage       = "DM_MESSAGE"
	TypeEditMessage     = "EDIT_MESSAGE"
	TypeDeleteMessage   = "DELETE_MESSAGE"
	TypeTyping          = "TYPING"
	TypeReadReceipt     = "READ_RECEIPT"
	TypeHeartbeat       = "HEARTBEAT"
	TypeLogout          = "LOGOUT"
)

// Frame types, server to client.
const (
	TypeAuthChallenge   = "AUTH_CHALLENGE"
	TypeAuthSuccess     = "AUTH_SUCCESS"
	TypeAuthFailed      = "AUTH_FAILED"
	TypeDMSent          = "dm_sent"
	TypeMessageDetected = "message_detected"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypeError           = "ERROR"
)

// Error codes carried on ERROR frames. Clients branch on these to
// decide between retrying, re-authenticating, and giving up.
const (
	CodeProtocolError = "protocol_error"
	CodeAuthError     = "auth_error"
	CodeRateLimited   = "rate_limited"
	CodeStoreError    = "store_error"
)

type (
	// Frame is the JSON envelope exchanged over the websocket. Fields
	// are populated per frame type; everything not relevant to a type
	// stays empty and is elided from the wire.
	Frame struct {
		Type string `json:"type"`

		// Auth handshake.
		Identity           string `json:"identity,omitempty"`
		EncryptedChallenge []byte `json:"encrypted_challenge,omitempty"`
		Nonce              []byte `json:"nonce,omitempty"`
		EphemeralPublicKey []byte `json:"ephemeral_public_key,omitempty"`
		DecryptedChallenge []byte `json:"decrypted_challenge,omitempty"`
		Token              string `json:"token,omitempty"`
		Tier               string `json:"tier,omitempty"`

		// Key registration.
		EncryptionKey []byte `json:"encryption_key,omitempty"`
		SigningKey    []byte `json:"signing_key,omitempty"`
		KeySignature  []byte `json:"key_signature,omitempty"`

		// Subscriptions.
		IdentityHash string `json:"identity_hash,omitempty"`
		DialogHash   string `json:"dialog_hash,omitempty"`
		RoomID       string `json:"room_id,omitempty"`

		// Direct messages.
		SenderHash    string `json:"sender_hash,omitempty"`
		RecipientHash string `json:"recipient_hash,omitempty"`
		Payload       []byte `json:"payload,omitempty"`
		SelfPayload   []byte `json:"self_payload,omitempty"`
		Timestamp     int64  `json:"ts,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
		ReplyTo       string `json:"reply_to,omitempty"`
		ExpireAt      int64  `json:"expire_at,omitempty"`

		// Receipts, edits, deletions.
		MessageID  string   `json:"message_id,omitempty"`
		MessageIDs []string `json:"message_ids,omitempty"`

		// Server to client.
		Message *Message   `json:"message,omitempty"`
		Error   *WireError `json:"error,omitempty"`
	}

	// WireError is the payload of an ERROR frame.
	WireError struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	}
)
