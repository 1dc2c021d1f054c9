package domain

import "time"

// MessageKind tags an inbound message.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindAudio   MessageKind = "audio"
	KindImage   MessageKind = "image"
	KindUnknown MessageKind = "unknown"
)

// InboundMessage is the normalized form of one webhook message entry.
// Only the fields relevant to Kind are populated.
type InboundMessage struct {
	ExternalID  string
	From        string
	ProfileName string
	Kind        MessageKind
	// RawType is the provider message type, kept for logging.
	RawType   string
	Text      string
	MediaID   string
	MimeType  string
	Caption   string
	Timestamp time.Time
}
