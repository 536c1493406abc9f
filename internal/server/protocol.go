package server

import "github.com/raphaelgruber/openchat/internal/chat"

// Commands a websocket client may send.
const (
	CmdSend           = "send"
	CmdRegenerate     = "regenerate"
	CmdSwitch         = "switch"
	CmdNew            = "new"
	CmdLoadMostRecent = "load_most_recent"
	CmdList           = "list"
	CmdDelete         = "delete"
	CmdSnapshot       = "snapshot"
	CmdReset          = "reset"
)

// Events pushed to a websocket client.
const (
	EventSnapshot      = "snapshot"
	EventConversations = "conversations"
	EventDone          = "done"
	EventError         = "error"
)

// Command is a client request. Fields beyond Type depend on the command.
type Command struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Event is a server push. Done and error events name the command they finish.
type Event struct {
	Type          string              `json:"type"`
	Command       string              `json:"command,omitempty"`
	Snapshot      *chat.Snapshot      `json:"snapshot,omitempty"`
	Conversations []chat.Conversation `json:"conversations,omitempty"`
	Error         string              `json:"error,omitempty"`
}
