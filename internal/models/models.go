package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UserStatus is the presence state published on a profile row.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusBusy    UserStatus = "busy"
	StatusOffline UserStatus = "offline"
)

// ParseStatus returns the status for raw, or false if raw is not one of the
// four published values.
func ParseStatus(raw string) (UserStatus, bool) {
	switch UserStatus(raw) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return UserStatus(raw), true
	}
	return "", false
}

// Message type discriminator.
const (
	TypeText = "text"
	TypeFile = "file"
)

// File transfer handshake states.
const (
	FilePending  = "pending"
	FileAccepted = "accepted"
	FileRejected = "rejected"
)

// ClientStatus is the local delivery state for optimistic sends. Never
// serialized.
type ClientStatus string

const (
	ClientSending ClientStatus = "sending"
	ClientSent    ClientStatus = "sent"
	ClientError   ClientStatus = "error"
)

// Message is one row of the messages table. ID and CreatedAt are assigned by
// the server; until then a message exists only as a local placeholder.
// Content holds ciphertext for text messages unless the sender had no peer
// key (legacy plaintext fallback).
type Message struct {
	ID         int64      `json:"id,omitempty"`
	SenderID   uuid.UUID  `json:"sender_id"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	Content    string     `json:"content"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	IsRead     bool       `json:"is_read"`
	IsDeleted  bool       `json:"is_deleted"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	Type       string     `json:"type"`
	FilePath   string     `json:"file_path,omitempty"`
	FileName   string     `json:"file_name,omitempty"`
	FileSize   int64      `json:"file_size,omitempty"`
	FileStatus string     `json:"file_status,omitempty"`

	// Local-only fields, never sent over the wire.
	ClientStatus ClientStatus `json:"-"`
	// Decrypted reports whether Content is recovered plaintext. False means
	// the stored content is shown as-is (legacy plaintext or missing key).
	Decrypted bool `json:"-"`
}

// Profile is one row of the profiles table; one per participant, self
// included. Pointer fields distinguish "absent" from "empty" on partial
// updates.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Status    *string   `json:"status,omitempty"`
	PublicKey *string   `json:"public_key,omitempty"`
	Username  *string   `json:"username,omitempty"`
}

// Contact is a locally owned address-book entry. The name may be overwritten
// by the authoritative username from the peer's profile, never the reverse.
type Contact struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TypingEvent is ephemeral: it exists only on the realtime channel.
type TypingEvent struct {
	SenderID uuid.UUID `json:"sender_id"`
}

// MessagePatch is a partial update to a message row; nil fields are left
// untouched.
type MessagePatch struct {
	Content    *string    `json:"content,omitempty"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	IsDeleted  *bool      `json:"is_deleted,omitempty"`
	IsRead     *bool      `json:"is_read,omitempty"`
	FileStatus *string    `json:"file_status,omitempty"`
}

// Envelope frames every realtime event: row changes pushed by the relay and
// typing broadcasts flowing both ways.
type Envelope struct {
	Stream  string          `json:"stream"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Realtime stream names and row-change events carried by envelopes.
const (
	StreamMessages = "messages"
	StreamProfiles = "profiles"
	StreamTyping   = "typing"

	EventInsert    = "insert"
	EventUpdate    = "update"
	EventBroadcast = "broadcast"
)
