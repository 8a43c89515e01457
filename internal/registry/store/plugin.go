package store

import (
	"context"

	"github.com/moodlog/conversation-store/internal/model"
)

// ConversationStore is the persistence API consumed by the chat-turn handler
// and the conversation routes. Every call is scoped to the owning principal.
type ConversationStore interface {
	// CreateConversation persists a new conversation. An empty title is
	// derived from the first user message.
	CreateConversation(ctx context.Context, ownerID string, title string, messages []model.Message) (*model.ConversationRecord, error)
	GetConversation(ctx context.Context, ownerID string, conversationID string) (*model.ConversationRecord, error)
	// ListConversations returns every conversation of the owner, most recently
	// updated first. Backend failures degrade to partial results.
	ListConversations(ctx context.Context, ownerID string) ([]model.ConversationRecord, error)
	AddMessage(ctx context.Context, ownerID string, conversationID string, msg model.Message) (*model.ConversationRecord, error)
	UpdateConversationTitle(ctx context.Context, ownerID string, conversationID string, title string) (*model.ConversationRecord, error)
	UpdateAnnotations(ctx context.Context, ownerID string, conversationID string, annotations model.Annotations) (*model.ConversationRecord, error)
	// DeleteConversation reports whether either backend removed something.
	DeleteConversation(ctx context.Context, ownerID string, conversationID string) (bool, error)
	// DeleteAllConversations returns the number of deletions performed across
	// both backends.
	DeleteAllConversations(ctx context.Context, ownerID string) (int64, error)
}
