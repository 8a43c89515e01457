package metrics

import (
	"context"
	"time"

	"github.com/moodlog/conversation-store/internal/model"
	"github.com/moodlog/conversation-store/internal/registry/store"
	"github.com/moodlog/conversation-store/internal/security"
)

// Wrap returns a ConversationStore that records store latency for every operation.
func Wrap(inner store.ConversationStore) store.ConversationStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ConversationStore
}

func (m *metricsStore) CreateConversation(ctx context.Context, ownerID string, title string, messages []model.Message) (*model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, ownerID, title, messages)
}

func (m *metricsStore) GetConversation(ctx context.Context, ownerID string, conversationID string) (*model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, ownerID, conversationID)
}

func (m *metricsStore) ListConversations(ctx context.Context, ownerID string) ([]model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, ownerID)
}

func (m *metricsStore) AddMessage(ctx context.Context, ownerID string, conversationID string, msg model.Message) (*model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("add_message", time.Now())
	return m.inner.AddMessage(ctx, ownerID, conversationID, msg)
}

func (m *metricsStore) UpdateConversationTitle(ctx context.Context, ownerID string, conversationID string, title string) (*model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("update_conversation_title", time.Now())
	return m.inner.UpdateConversationTitle(ctx, ownerID, conversationID, title)
}

func (m *metricsStore) UpdateAnnotations(ctx context.Context, ownerID string, conversationID string, annotations model.Annotations) (*model.ConversationRecord, error) {
	defer security.ObserveStoreLatency("update_annotations", time.Now())
	return m.inner.UpdateAnnotations(ctx, ownerID, conversationID, annotations)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, ownerID string, conversationID string) (bool, error) {
	defer security.ObserveStoreLatency("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, ownerID, conversationID)
}

func (m *metricsStore) DeleteAllConversations(ctx context.Context, ownerID string) (int64, error) {
	defer security.ObserveStoreLatency("delete_all_conversations", time.Now())
	return m.inner.DeleteAllConversations(ctx, ownerID)
}

var _ store.ConversationStore = (*metricsStore)(nil)
