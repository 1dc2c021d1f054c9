package domain

import "time"

// Sender identifies who produced a conversation entry.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// ConversationEntry is one unit of inbound or outbound content. Entries are
// append-only and ordered by insertion.
type ConversationEntry struct {
	ID                string    `json:"id"`
	ContactID         string    `json:"contact_id"`
	Sender            Sender    `json:"sender"`
	Text              string    `json:"message"`
	ExternalMessageID *string   `json:"wa_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
