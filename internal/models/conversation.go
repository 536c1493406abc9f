package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Message roles persisted in the message table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation represents a persisted chat thread owned by one user.
type Conversation struct {
	ID        surrealmodels.RecordID `json:"id"`
	Owner     string                 `json:"owner"`
	Title     string                 `json:"title"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Message represents a single chat message within a conversation.
type Message struct {
	ID           surrealmodels.RecordID `json:"id"`
	Conversation surrealmodels.RecordID `json:"conversation"`
	Owner        string                 `json:"owner"`
	Role         string                 `json:"role"`
	Content      string                 `json:"content"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ConversationStats summarizes the stored history of one owner.
type ConversationStats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
}
