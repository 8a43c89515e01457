package disabled

import (
	"context"
	"errors"

	"github.com/moodlog/conversation-store/internal/model"
	"github.com/moodlog/conversation-store/internal/registry/docstore"
)

var errDisabled = errors.New("document store is disabled")

func init() {
	docstore.Register(docstore.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (docstore.DocumentStore, error) {
			return &disabledStore{}, nil
		},
	})
}

type disabledStore struct{}

func (d *disabledStore) Insert(_ context.Context, _ *model.ConversationRecord) (string, error) {
	return "", errDisabled
}
func (d *disabledStore) FindOne(_ context.Context, _ string, _ string) (*model.ConversationRecord, error) {
	return nil, errDisabled
}
func (d *disabledStore) FindByOwner(_ context.Context, _ string) ([]model.ConversationRecord, error) {
	return nil, errDisabled
}
func (d *disabledStore) Update(_ context.Context, _ string, _ string, _ model.Patch) (*model.ConversationRecord, error) {
	return nil, errDisabled
}
func (d *disabledStore) DeleteOne(_ context.Context, _ string, _ string) (int64, error) {
	return 0, errDisabled
}
func (d *disabledStore) DeleteByOwner(_ context.Context, _ string) (int64, error) {
	return 0, errDisabled
}

var _ docstore.DocumentStore = (*disabledStore)(nil)
