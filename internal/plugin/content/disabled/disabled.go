package disabled

import (
	"context"
	"errors"

	"github.com/moodlog/conversation-store/internal/registry/content"
)

var errDisabled = errors.New("content store is disabled")

func init() {
	content.Register(content.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (content.ContentStore, error) {
			return &disabledStore{}, nil
		},
	})
}

type disabledStore struct{}

func (d *disabledStore) Store(_ context.Context, _ string, _ []byte, _ map[string]string) (*content.Pin, error) {
	return nil, errDisabled
}
func (d *disabledStore) Fetch(_ context.Context, _ string) ([]byte, error) { return nil, errDisabled }
func (d *disabledStore) Unpin(_ context.Context, _ string) error           { return errDisabled }
func (d *disabledStore) ListByOwner(_ context.Context, _ string) ([]content.Pin, error) {
	return nil, errDisabled
}

var _ content.ContentStore = (*disabledStore)(nil)
