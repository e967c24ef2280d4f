package store

import (
	"time"

	"learnhub/api/internal/identity"
)

// Conversation is a chat thread. Non-group conversations hold exactly two
// participants and are unique per unordered participant pair.
type Conversation struct {
	ID            string
	IsGroup       bool
	GroupName     string
	Participants  []identity.Ref
	LastMessageID string
	CreatedAt     time.Time
}

// Message is immutable after creation except for read-receipt appends.
type Message struct {
	ID             string
	ConversationID string
	Sender         identity.Ref
	Text           string
	CreatedAt      time.Time
	ReadBy         []identity.Ref
}
