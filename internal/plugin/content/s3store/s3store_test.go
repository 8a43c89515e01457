package s3store_test

import (
	"context"
	"testing"

	"github.com/moodlog/conversation-store/internal/config"
	"github.com/moodlog/conversation-store/internal/plugin/content/s3store"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrymigrate "github.com/moodlog/conversation-store/internal/registry/migrate"
	"github.com/moodlog/conversation-store/internal/testutil/tests3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrycontent.ContentStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}

	cfg := config.DefaultConfig()
	cfg.S3Bucket = tests3.StartS3(t)
	cfg.S3Prefix = "/conversations/"
	cfg.S3UsePathStyle = true
	ctx := config.WithContext(context.Background(), &cfg)

	_ = s3store.ForceImport
	loader, err := registrycontent.Select("s3")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	return store, ctx
}

func tags(owner, conv string) map[string]string {
	return map[string]string{
		registrycontent.TagOwnerID:        owner,
		registrycontent.TagType:           registrycontent.TypeConversation,
		registrycontent.TagConversationID: conv,
	}
}

func TestStoreIsContentAddressed(t *testing.T) {
	store, ctx := setupTestStore(t)

	payload := []byte(`{"id":"c1","ownerId":"u1"}`)
	first, err := store.Store(ctx, "conversation-c1", payload, tags("u1", "c1"))
	require.NoError(t, err)
	again, err := store.Store(ctx, "conversation-c1", payload, tags("u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, first.Handle, again.Handle)
	assert.Len(t, first.Handle, 64)

	got, err := store.Fetch(ctx, first.Handle)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestListByOwnerAndUnpin(t *testing.T) {
	store, ctx := setupTestStore(t)

	a, err := store.Store(ctx, "conversation-a", []byte(`{"id":"a"}`), tags("alice@example.com", "a"))
	require.NoError(t, err)
	b, err := store.Store(ctx, "conversation-b", []byte(`{"id":"b"}`), tags("alice@example.com", "b"))
	require.NoError(t, err)
	_, err = store.Store(ctx, "conversation-c", []byte(`{"id":"c"}`), tags("bob", "c"))
	require.NoError(t, err)

	pins, err := store.ListByOwner(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, pins, 2)
	handles := []string{pins[0].Handle, pins[1].Handle}
	assert.ElementsMatch(t, []string{a.Handle, b.Handle}, handles)
	for _, p := range pins {
		assert.Equal(t, registrycontent.TypeConversation, p.Tags[registrycontent.TagType])
		assert.False(t, p.PinnedAt.IsZero())
	}

	require.NoError(t, store.Unpin(ctx, a.Handle))
	pins, err = store.ListByOwner(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, b.Handle, pins[0].Handle)

	got, err := store.Fetch(ctx, a.Handle)
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("unpin of an absent handle succeeds", func(t *testing.T) {
		require.NoError(t, store.Unpin(ctx, a.Handle))
	})
}

func TestMalformedHandlesAreAbsent(t *testing.T) {
	store, ctx := setupTestStore(t)

	got, err := store.Fetch(ctx, "../owners/x")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, store.Unpin(ctx, "not-a-handle"))
}

func TestMigrationCreatesMissingBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	tests3.StartS3(t)

	cfg := config.DefaultConfig()
	cfg.ContentStoreType = "s3"
	cfg.S3Bucket = "migrated-conversations"
	cfg.S3UsePathStyle = true
	ctx := config.WithContext(context.Background(), &cfg)

	_ = s3store.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))
	// A second run finds the bucket and does nothing.
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrycontent.Select("s3")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	pin, err := store.Store(ctx, "conversation-c9", []byte(`{"id":"c9"}`), tags("u9", "c9"))
	require.NoError(t, err)
	got, err := store.Fetch(ctx, pin.Handle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c9"}`, string(got))
}
