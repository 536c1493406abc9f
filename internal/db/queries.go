// Package db provides SurrealDB query functions for conversation history.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/openchat/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// QueryCreateConversation creates a conversation record for owner and returns its ID.
func (c *Client) QueryCreateConversation(
	ctx context.Context,
	owner string,
	title string,
	createdAt time.Time,
	updatedAt time.Time,
) (string, error) {
	id := uuid.NewString()

	results, err := surrealdb.Query[[]models.Conversation](ctx, c.db, `
		CREATE type::record("conversation", $id) SET
			owner = $owner,
			title = $title,
			created_at = $created_at,
			updated_at = $updated_at
		RETURN AFTER
	`, map[string]any{
		"id":         id,
		"owner":      owner,
		"title":      title,
		"created_at": createdAt.UTC(),
		"updated_at": updatedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return "", fmt.Errorf("create conversation: no result returned")
	}
	return id, nil
}

// QueryGetConversation retrieves a conversation by ID.
// Returns nil if not found or owned by someone else.
func (c *Client) QueryGetConversation(ctx context.Context, owner, id string) (*models.Conversation, error) {
	results, err := surrealdb.Query[[]models.Conversation](ctx, c.db, `
		SELECT * FROM type::record("conversation", $id) WHERE owner = $owner
	`, map[string]any{"id": id, "owner": owner})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// QueryListConversations returns the owner's conversations, most recently updated first.
// A limit of 0 or less returns all of them.
func (c *Client) QueryListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error) {
	limitClause := ""
	vars := map[string]any{"owner": owner}
	if limit > 0 {
		limitClause = "LIMIT $limit"
		vars["limit"] = limit
	}

	sql := fmt.Sprintf(`
		SELECT * FROM conversation
		WHERE owner = $owner
		ORDER BY updated_at DESC
		%s
	`, limitClause)

	results, err := surrealdb.Query[[]models.Conversation](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.Conversation{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryAppendMessage writes a message into an existing conversation of owner.
// Fails with ErrNotFound when the conversation is missing or foreign.
func (c *Client) QueryAppendMessage(
	ctx context.Context,
	owner string,
	conversationID string,
	role string,
	content string,
	createdAt time.Time,
) error {
	sql := fmt.Sprintf(`
		LET $conv = type::record("conversation", $conversation);
		IF (SELECT VALUE owner FROM ONLY $conv) != $owner { THROW "%s" };
		CREATE message SET
			conversation = $conv,
			owner = $owner,
			role = $role,
			content = $content,
			created_at = $created_at;
	`, errConversationMissing)

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"conversation": conversationID,
		"owner":        owner,
		"role":         role,
		"content":      content,
		"created_at":   createdAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("append message: %w", wrapQueryError(err))
	}
	return nil
}

// QueryTouchConversation moves updated_at forward to ts.
// Older timestamps are ignored so late touches never move a conversation back in the listing.
func (c *Client) QueryTouchConversation(ctx context.Context, owner, id string, ts time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("conversation", $id) SET
			updated_at = $ts
		WHERE owner = $owner AND updated_at < $ts
	`, map[string]any{"id": id, "owner": owner, "ts": ts.UTC()})
	if err != nil {
		return fmt.Errorf("touch conversation: %w", wrapQueryError(err))
	}
	return nil
}

// QueryGetMessages returns the messages of a conversation in creation order.
func (c *Client) QueryGetMessages(ctx context.Context, owner, conversationID string) ([]models.Message, error) {
	results, err := surrealdb.Query[[]models.Message](ctx, c.db, `
		SELECT * FROM message
		WHERE conversation = type::record("conversation", $conversation) AND owner = $owner
		ORDER BY created_at ASC
	`, map[string]any{"conversation": conversationID, "owner": owner})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.Message{}, nil
	}
	return (*results)[0].Result, nil
}

// QueryReplaceLastAssistantMessage overwrites the newest assistant message of a
// conversation with content, appending one when the conversation has none, and
// refreshes updated_at.
func (c *Client) QueryReplaceLastAssistantMessage(
	ctx context.Context,
	owner string,
	conversationID string,
	content string,
	ts time.Time,
) error {
	results, err := surrealdb.Query[[]models.Message](ctx, c.db, `
		SELECT id, created_at FROM message
		WHERE conversation = type::record("conversation", $conversation)
			AND owner = $owner
			AND role = "assistant"
		ORDER BY created_at DESC
		LIMIT 1
	`, map[string]any{"conversation": conversationID, "owner": owner})
	if err != nil {
		return fmt.Errorf("replace last assistant message: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		if err := c.QueryAppendMessage(ctx, owner, conversationID, models.RoleAssistant, content, ts); err != nil {
			return fmt.Errorf("replace last assistant message: %w", err)
		}
		return c.QueryTouchConversation(ctx, owner, conversationID, ts)
	}

	last := (*results)[0].Result[0]
	_, err = surrealdb.Query[any](ctx, c.db, `
		UPDATE $msg SET content = $content;
		UPDATE type::record("conversation", $conversation) SET
			updated_at = $ts
		WHERE owner = $owner AND updated_at < $ts;
	`, map[string]any{
		"msg":          last.ID,
		"content":      content,
		"conversation": conversationID,
		"owner":        owner,
		"ts":           ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("replace last assistant message: %w", wrapQueryError(err))
	}
	return nil
}

// QueryDeleteConversation deletes a conversation and all of its messages.
// Returns count of deleted conversations (0 if not found - idempotent).
func (c *Client) QueryDeleteConversation(ctx context.Context, owner, id string) (int, error) {
	results, err := surrealdb.Query[[]models.Conversation](ctx, c.db, `
		DELETE message WHERE conversation = type::record("conversation", $id) AND owner = $owner;
		DELETE type::record("conversation", $id) WHERE owner = $owner RETURN BEFORE;
	`, map[string]any{"id": id, "owner": owner})
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", wrapQueryError(err))
	}

	// Count deleted (RETURN BEFORE returns deleted records)
	if results == nil || len(*results) < 2 {
		return 0, nil
	}
	return len((*results)[1].Result), nil
}

// QueryConversationStats counts the owner's stored conversations and messages.
func (c *Client) QueryConversationStats(ctx context.Context, owner string) (*models.ConversationStats, error) {
	results, err := surrealdb.Query[models.ConversationStats](ctx, c.db, `
		RETURN {
			conversations: count(SELECT id FROM conversation WHERE owner = $owner),
			messages: count(SELECT id FROM message WHERE owner = $owner)
		}
	`, map[string]any{"owner": owner})
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return &models.ConversationStats{}, nil
	}
	return &(*results)[0].Result, nil
}
