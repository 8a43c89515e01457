package hybrid_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moodlog/conversation-store/internal/idkind"
	"github.com/moodlog/conversation-store/internal/model"
	"github.com/moodlog/conversation-store/internal/plugin/store/hybrid"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrystore "github.com/moodlog/conversation-store/internal/registry/store"
	"github.com/moodlog/conversation-store/internal/testutil/fakestores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	docs     *fakestores.Docs
	contents *fakestores.Contents
	store    *hybrid.Coordinator
}

func newFixture() *fixture {
	docs := fakestores.NewDocs()
	contents := fakestores.NewContents()
	clock := &stepClock{now: base}
	return &fixture{
		docs:     docs,
		contents: contents,
		store:    hybrid.New(docs, contents, hybrid.Options{FetchConcurrency: 2, Clock: clock.Now}),
	}
}

func userMsg(content string) model.Message {
	return model.Message{Sender: model.SenderUser, Content: content}
}

func assistantMsg(content string) model.Message {
	return model.Message{Sender: model.SenderAssistant, Content: content}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// pinRecord places a payload in the content store directly.
func pinRecord(t *testing.T, c *fakestores.Contents, rec model.ConversationRecord, tagOwner string) string {
	t.Helper()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	return c.Put(payload, map[string]string{
		registrycontent.TagOwnerID:        tagOwner,
		registrycontent.TagType:           registrycontent.TypeConversation,
		registrycontent.TagConversationID: rec.ID,
	})
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func requireUnavailable(t *testing.T, err error) {
	t.Helper()
	var pu *registrystore.PersistenceUnavailableError
	require.ErrorAs(t, err, &pu)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *registrystore.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, field, ve.Field)
}

func TestCreateThenGetOnDocumentStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.store.CreateConversation(ctx, "u1", "Morning check-in", []model.Message{userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, idkind.Native, idkind.Classify(created.ID))
	assert.Equal(t, model.Native(created.ID), created.Origin)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.Empty(t, f.contents.Handles())

	got, err := f.store.GetConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.OwnerID, got.OwnerID)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Messages, got.Messages)
	assert.Zero(t, f.contents.Calls("ListByOwner"))
}

func TestCreateDerivesTitleAndAnnotations(t *testing.T) {
	f := newFixture()
	msgs := []model.Message{
		userMsg("   I   had a rough day at work  "),
		{Sender: model.SenderAssistant, Content: "I'm sorry to hear that", Analysis: &model.Analysis{
			Sentiment: "negative", Emotions: []string{"sadness"}, Recommendations: []string{"take a walk"},
		}},
	}
	created, err := f.store.CreateConversation(context.Background(), "u1", "  ", msgs)
	require.NoError(t, err)
	assert.Equal(t, "I had a rough day at work", created.Title)
	assert.Equal(t, "negative", created.LastSentiment)
	assert.Equal(t, []string{"sadness"}, created.LastEmotions)
	assert.Equal(t, []string{"take a walk"}, created.Recommendations)
	for _, m := range created.Messages {
		assert.False(t, m.Timestamp.IsZero())
	}
}

func TestCreateFallsBackToContentStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.docs.SetOffline(true)

	created, err := f.store.CreateConversation(ctx, "u1", "Offline", []model.Message{userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, idkind.Foreign, idkind.Classify(created.ID))
	require.True(t, created.Origin.IsContent())
	assert.Equal(t, []string{created.Origin.Handle}, f.contents.Handles())

	got, err := f.store.GetConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Offline", got.Title)
	assert.Equal(t, []string{"hi"}, contents(got.Messages))

	t.Run("still readable once the document store is back", func(t *testing.T) {
		f.docs.SetOffline(false)
		got, err := f.store.GetConversation(ctx, "u1", created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Zero(t, f.docs.Calls("FindOne"), "foreign ids never probe the document store")
	})
}

func TestCreateFailsWhenBothBackendsDown(t *testing.T) {
	f := newFixture()
	f.docs.SetOffline(true)
	f.contents.SetOffline(true)

	rec, err := f.store.CreateConversation(context.Background(), "u1", "Nope", []model.Message{userMsg("hi")})
	requireUnavailable(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, f.docs.Len())
	assert.Empty(t, f.contents.Handles())
}

func TestSequentialAddMessagePreservesOrder(t *testing.T) {
	for _, tc := range []struct {
		name        string
		docsOffline bool
	}{
		{name: "document store"},
		{name: "content store", docsOffline: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			f.docs.SetOffline(tc.docsOffline)

			created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("m0")})
			require.NoError(t, err)

			const n = 5
			var last *model.ConversationRecord
			for i := 1; i <= n; i++ {
				last, err = f.store.AddMessage(ctx, "u1", created.ID, assistantMsg(fmt.Sprintf("m%d", i)))
				require.NoError(t, err)
			}
			assert.True(t, last.UpdatedAt.After(created.UpdatedAt))

			got, err := f.store.GetConversation(ctx, "u1", created.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, contents(got.Messages))

			if tc.docsOffline {
				assert.Equal(t, []string{got.Origin.Handle}, f.contents.Handles(), "previous handles are unpinned")
			}
		})
	}
}

func TestContentMutationFailures(t *testing.T) {
	t.Run("store failure is fatal and leaves the old payload", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		f.docs.SetOffline(true)
		created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
		require.NoError(t, err)

		f.contents.FailOn("Store")
		_, err = f.store.AddMessage(ctx, "u1", created.ID, assistantMsg("hello"))
		requireUnavailable(t, err)
		assert.Equal(t, []string{created.Origin.Handle}, f.contents.Handles())
	})

	t.Run("unpin failure is tolerated and swept on the next lookup", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		f.docs.SetOffline(true)
		created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
		require.NoError(t, err)

		f.contents.FailOn("Unpin")
		updated, err := f.store.AddMessage(ctx, "u1", created.ID, assistantMsg("hello"))
		require.NoError(t, err)
		assert.Len(t, f.contents.Handles(), 2)

		f.contents.FailOn()
		got, err := f.store.GetConversation(ctx, "u1", created.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.Origin.Handle, got.Origin.Handle)
		assert.Equal(t, []string{"hi", "hello"}, contents(got.Messages))
		assert.Equal(t, []string{updated.Origin.Handle}, f.contents.Handles())
	})
}

func TestUpdateTitleAndAnnotations(t *testing.T) {
	for _, docsOffline := range []bool{false, true} {
		t.Run(fmt.Sprintf("docsOffline=%v", docsOffline), func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			f.docs.SetOffline(docsOffline)
			created, err := f.store.CreateConversation(ctx, "u1", "Old", []model.Message{userMsg("hi")})
			require.NoError(t, err)

			renamed, err := f.store.UpdateConversationTitle(ctx, "u1", created.ID, "  New  ")
			require.NoError(t, err)
			assert.Equal(t, "New", renamed.Title)
			assert.True(t, renamed.UpdatedAt.After(created.UpdatedAt))

			annotated, err := f.store.UpdateAnnotations(ctx, "u1", created.ID, model.Annotations{
				LastSentiment: "positive", LastEmotions: []string{"joy"},
			})
			require.NoError(t, err)
			assert.Equal(t, "positive", annotated.LastSentiment)

			got, err := f.store.GetConversation(ctx, "u1", created.ID)
			require.NoError(t, err)
			assert.Equal(t, "New", got.Title)
			assert.Equal(t, []string{"joy"}, got.LastEmotions)
			assert.Len(t, got.Messages, 1)
		})
	}

	t.Run("blank title is rejected", func(t *testing.T) {
		f := newFixture()
		_, err := f.store.UpdateConversationTitle(context.Background(), "u1", "abc", " ")
		requireValidation(t, err, "title")
	})
}

func TestMutationsOnMissingConversation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.store.CreateConversation(ctx, "u1", "Mine", []model.Message{userMsg("hi")})
	require.NoError(t, err)

	_, err = f.store.AddMessage(ctx, "u2", created.ID, assistantMsg("intruder"))
	requireNotFound(t, err)
	_, err = f.store.UpdateConversationTitle(ctx, "u1", "00000000-0000-0000-0000-000000000000", "x")
	requireNotFound(t, err)
}

func TestGetReportsUnavailableOnlyWhenNoBackendAnswered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
	require.NoError(t, err)

	f.docs.SetOffline(true)
	_, err = f.store.GetConversation(ctx, "u1", created.ID)
	requireNotFound(t, err)

	f.contents.SetOffline(true)
	_, err = f.store.GetConversation(ctx, "u1", created.ID)
	requireUnavailable(t, err)

	_, err = f.store.AddMessage(ctx, "u1", created.ID, assistantMsg("hello"))
	requireUnavailable(t, err)
}

func TestCrossOwnerPayloadsAreIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := model.ConversationRecord{
		ID: "5b0d3e8a-4c1f-4f7e-9b8e-2d1f0c6a7e11", OwnerID: "u1", Title: "Private",
		Messages: []model.Message{userMsg("secret")}, CreatedAt: base, UpdatedAt: base,
	}
	// Tagged for u2 but embedding u1 as owner.
	pinRecord(t, f.contents, rec, "u2")

	_, err := f.store.GetConversation(ctx, "u2", rec.ID)
	requireNotFound(t, err)

	list, err := f.store.ListConversations(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	for _, docsOffline := range []bool{false, true} {
		t.Run(fmt.Sprintf("docsOffline=%v", docsOffline), func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			f.docs.SetOffline(docsOffline)
			created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
			require.NoError(t, err)
			f.docs.SetOffline(false)

			deleted, err := f.store.DeleteConversation(ctx, "u1", created.ID)
			require.NoError(t, err)
			assert.True(t, deleted)

			_, err = f.store.GetConversation(ctx, "u1", created.ID)
			requireNotFound(t, err)

			deleted, err = f.store.DeleteConversation(ctx, "u1", created.ID)
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestDeleteRemovesCopiesFromBothBackends(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
	require.NoError(t, err)
	pinRecord(t, f.contents, *created, "u1")

	deleted, err := f.store.DeleteConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Zero(t, f.docs.Len())
	assert.Empty(t, f.contents.Handles())
}

func TestDeleteDegradesOnBackendFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.store.CreateConversation(ctx, "u1", "Chat", []model.Message{userMsg("hi")})
	require.NoError(t, err)

	f.contents.SetOffline(true)
	deleted, err := f.store.DeleteConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	f.docs.SetOffline(true)
	deleted, err = f.store.DeleteConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListDeduplicatesAndSorts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.store.CreateConversation(ctx, "u1", "First", []model.Message{userMsg("a")})
	require.NoError(t, err)
	second, err := f.store.CreateConversation(ctx, "u1", "Second", []model.Message{userMsg("b")})
	require.NoError(t, err)

	// A stale copy of the first conversation also lives in the content store.
	stale := first.Clone()
	stale.Title = "Stale copy"
	pinRecord(t, f.contents, stale, "u1")

	f.docs.SetOffline(true)
	third, err := f.store.CreateConversation(ctx, "u1", "Third", []model.Message{userMsg("c")})
	require.NoError(t, err)
	f.docs.SetOffline(false)

	_, err = f.store.CreateConversation(ctx, "u2", "Other owner", []model.Message{userMsg("d")})
	require.NoError(t, err)

	list, err := f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, "First", list[2].Title, "document store copy wins")
	assert.True(t, list[0].Origin.IsContent())

	seen := map[string]bool{}
	for _, rec := range list {
		assert.False(t, seen[rec.ID])
		seen[rec.ID] = true
	}
}

func TestListKeepsNewestContentCopy(t *testing.T) {
	f := newFixture()
	rec := model.ConversationRecord{
		ID: "8f14e45f-ceea-467f-a8b4-ffb9c5ab2bd1", OwnerID: "u1", Title: "v1",
		Messages: []model.Message{userMsg("hi")}, CreatedAt: base, UpdatedAt: base,
	}
	pinRecord(t, f.contents, rec, "u1")
	rec.Title = "v2"
	rec.UpdatedAt = base.Add(time.Minute)
	pinRecord(t, f.contents, rec, "u1")

	list, err := f.store.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Title)
}

func TestListDegradesToPartialResults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.store.CreateConversation(ctx, "u1", "Doc", []model.Message{userMsg("a")})
	require.NoError(t, err)
	f.docs.SetOffline(true)
	_, err = f.store.CreateConversation(ctx, "u1", "Content", []model.Message{userMsg("b")})
	require.NoError(t, err)

	list, err := f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Content", list[0].Title)

	f.docs.SetOffline(false)
	f.contents.FailOn("Fetch")
	list, err = f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Doc", list[0].Title)

	f.docs.SetOffline(true)
	f.contents.SetOffline(true)
	list, err = f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteAllCountsBothBackends(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := range 2 {
		_, err := f.store.CreateConversation(ctx, "u1", fmt.Sprintf("doc %d", i), []model.Message{userMsg("a")})
		require.NoError(t, err)
	}
	f.docs.SetOffline(true)
	_, err := f.store.CreateConversation(ctx, "u1", "content", []model.Message{userMsg("b")})
	require.NoError(t, err)
	_, err = f.store.CreateConversation(ctx, "u2", "keep", []model.Message{userMsg("c")})
	require.NoError(t, err)
	f.docs.SetOffline(false)

	n, err := f.store.DeleteAllConversations(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	list, err := f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	others, err := f.store.ListConversations(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestValidationRunsBeforeBackends(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.store.CreateConversation(ctx, " ", "t", nil)
	requireValidation(t, err, "ownerId")
	_, err = f.store.CreateConversation(ctx, "u1", "t", []model.Message{{Sender: "system", Content: "x"}})
	requireValidation(t, err, "messages[0].sender")
	_, err = f.store.CreateConversation(ctx, "u1", "t", []model.Message{userMsg("  ")})
	requireValidation(t, err, "messages[0].content")
	_, err = f.store.GetConversation(ctx, "u1", "")
	requireValidation(t, err, "conversationId")
	_, err = f.store.AddMessage(ctx, "u1", "abc", model.Message{Sender: model.SenderUser})
	requireValidation(t, err, "message.content")
	_, err = f.store.ListConversations(ctx, "")
	requireValidation(t, err, "ownerId")
	_, err = f.store.DeleteConversation(ctx, "", "abc")
	requireValidation(t, err, "ownerId")
	_, err = f.store.DeleteAllConversations(ctx, "")
	requireValidation(t, err, "ownerId")

	assert.Zero(t, f.docs.Calls("Insert"))
	assert.Zero(t, f.docs.Calls("FindOne"))
	assert.Zero(t, f.contents.Calls("ListByOwner"))
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.store.CreateConversation(ctx, "u1", "", []model.Message{userMsg("hi")})
	require.NoError(t, err)
	_, err = f.store.AddMessage(ctx, "u1", created.ID, assistantMsg("hello"))
	require.NoError(t, err)

	got, err := f.store.GetConversation(ctx, "u1", created.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.SenderUser, got.Messages[0].Sender)
	assert.Equal(t, "hi", got.Messages[0].Content)
	assert.Equal(t, model.SenderAssistant, got.Messages[1].Sender)
	assert.Equal(t, "hello", got.Messages[1].Content)

	n, err := f.store.DeleteAllConversations(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err := f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
