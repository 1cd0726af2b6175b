package models

import "time"

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

type Contact struct {
	ID         string    `json:"id"`
	ContactKey string    `json:"contact_key"`
	SigningKey []byte    `json:"signing_key"`
	ChatKey    []byte    `json:"chat_key"`
	AddedAt    time.Time `json:"added_at"`
}

type Message struct {
	ID        string    `json:"id"`
	Partner   string    `json:"partner"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
}

type ChatSummary struct {
	Partner       string    `json:"partner"`
	LastMessageID string    `json:"last_message_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	Unread        int       `json:"unread"`
	Total         int       `json:"total"`
}

// DAppBundle is a third party application signed by its publisher. The
// signing key identifies the DApp everywhere in the runtime.
type DAppBundle struct {
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	Image      string    `json:"image,omitempty"`
	SigningKey string    `json:"signing_key"`
	Signature  string    `json:"signature"`
	SavedAt    time.Time `json:"saved_at,omitempty"`
}
