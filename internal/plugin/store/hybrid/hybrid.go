// Package hybrid persists conversations across a document store and a
// content-addressed store. The document store is preferred for writes and
// lookups; the content store takes over when the document store cannot.
package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/moodlog/conversation-store/internal/idkind"
	"github.com/moodlog/conversation-store/internal/model"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrydocstore "github.com/moodlog/conversation-store/internal/registry/docstore"
	registrystore "github.com/moodlog/conversation-store/internal/registry/store"
	"github.com/moodlog/conversation-store/internal/security"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFetchConcurrency = 4
	contentNamePrefix       = "conversation-"
)

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	// FetchConcurrency bounds parallel payload fetches while listing.
	FetchConcurrency int
	Clock            func() time.Time
	NewID            func() string
}

// Coordinator implements ConversationStore over both backends. It holds no
// mutable state of its own and is safe for concurrent use.
type Coordinator struct {
	docs     registrydocstore.DocumentStore
	contents registrycontent.ContentStore
	opts     Options
}

// New returns a Coordinator over the given clients.
func New(docs registrydocstore.DocumentStore, contents registrycontent.ContentStore, opts Options) *Coordinator {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = defaultFetchConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{docs: docs, contents: contents, opts: opts}
}

func (c *Coordinator) now() time.Time {
	return c.opts.Clock().UTC().Truncate(time.Millisecond)
}

// --- Validation ---

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return &registrystore.ValidationError{Field: "ownerId", Message: "is required"}
	}
	return nil
}

func requireIDs(ownerID, conversationID string) error {
	if err := requireOwner(ownerID); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" {
		return &registrystore.ValidationError{Field: "conversationId", Message: "is required"}
	}
	return nil
}

func validateMessage(field string, m model.Message) error {
	if !m.Sender.Valid() {
		return &registrystore.ValidationError{Field: field + ".sender", Message: fmt.Sprintf("must be %q or %q", model.SenderUser, model.SenderAssistant)}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &registrystore.ValidationError{Field: field + ".content", Message: "is required"}
	}
	return nil
}

func (c *Coordinator) normalizeMessage(m model.Message, now time.Time) model.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	} else {
		m.Timestamp = m.Timestamp.UTC().Truncate(time.Millisecond)
	}
	return m
}

// --- Backend failure bookkeeping ---

func backendFailed(backend model.Backend, op string, err error) error {
	security.IncBackendError(string(backend), op)
	log.Warn("Backend call failed", "backend", backend, "op", op, "err", err)
	return registrystore.Unavailable(backend, op, err)
}

func contentTags(ownerID, conversationID string) map[string]string {
	return map[string]string{
		registrycontent.TagOwnerID:        ownerID,
		registrycontent.TagType:           registrycontent.TypeConversation,
		registrycontent.TagConversationID: conversationID,
	}
}

func (c *Coordinator) pin(ctx context.Context, rec *model.ConversationRecord) (*registrycontent.Pin, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", rec.ID, err)
	}
	return c.contents.Store(ctx, contentNamePrefix+rec.ID, payload, contentTags(rec.OwnerID, rec.ID))
}

func (c *Coordinator) unpinQuietly(ctx context.Context, op, handle string) bool {
	if err := c.contents.Unpin(ctx, handle); err != nil {
		backendFailed(model.BackendContent, op, err)
		return false
	}
	return true
}

// --- Create ---

// CreateConversation writes to the document store and falls back to pinning a
// uuid-identified payload when that fails. Nothing is left reachable when both
// backends fail.
func (c *Coordinator) CreateConversation(ctx context.Context, ownerID string, title string, messages []model.Message) (*model.ConversationRecord, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	for i, m := range messages {
		if err := validateMessage(fmt.Sprintf("messages[%d]", i), m); err != nil {
			return nil, err
		}
	}

	now := c.now()
	normalized := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		normalized = append(normalized, c.normalizeMessage(m, now))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DeriveTitle(normalized)
	}
	rec := model.ConversationRecord{
		OwnerID:   ownerID,
		Title:     title,
		Messages:  normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ann := (model.Patch{AppendMessages: normalized}).EffectiveAnnotations(); ann != nil {
		rec.LastSentiment = ann.LastSentiment
		rec.LastEmotions = ann.LastEmotions
		rec.Recommendations = ann.Recommendations
	}

	id, docErr := c.docs.Insert(ctx, &rec)
	if docErr == nil {
		rec.ID = id
		rec.Origin = model.Native(id)
		return &rec, nil
	}
	docErr = backendFailed(model.BackendDocument, "create", docErr)

	rec.ID = c.opts.NewID()
	p, contentErr := c.pin(ctx, &rec)
	if contentErr != nil {
		return nil, &registrystore.PersistenceUnavailableError{
			Op:   "create",
			Errs: []error{docErr, backendFailed(model.BackendContent, "create", contentErr)},
		}
	}
	security.IncContentFallbackWrite()
	log.Info("Conversation stored in content store", "id", rec.ID, "handle", p.Handle)
	rec.Origin = model.Content(p.Handle)
	return &rec, nil
}

// --- Locate ---

// candidate is one pinned payload claiming a conversation id.
type candidate struct {
	rec      model.ConversationRecord
	pinnedAt time.Time
}

func newer(a, b candidate) bool {
	if !a.rec.UpdatedAt.Equal(b.rec.UpdatedAt) {
		return a.rec.UpdatedAt.After(b.rec.UpdatedAt)
	}
	if !a.pinnedAt.Equal(b.pinnedAt) {
		return a.pinnedAt.After(b.pinnedAt)
	}
	return a.rec.Origin.Handle > b.rec.Origin.Handle
}

// decodePayload returns false when the payload is unreadable or does not
// belong to ownerID. If wantID is set the embedded id must match it too.
func decodePayload(payload []byte, handle, ownerID, wantID string) (model.ConversationRecord, bool) {
	var rec model.ConversationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Warn("Ignoring unreadable conversation payload", "handle", handle, "err", err)
		return rec, false
	}
	if rec.OwnerID != ownerID || rec.ID == "" || (wantID != "" && rec.ID != wantID) {
		log.Warn("Ignoring conversation payload with mismatched identity", "handle", handle)
		return rec, false
	}
	if rec.Messages == nil {
		rec.Messages = []model.Message{}
	}
	rec.Origin = model.Content(handle)
	return rec, true
}

func conversationPins(pins []registrycontent.Pin, ownerID, conversationID string) []registrycontent.Pin {
	want := map[string]string{
		registrycontent.TagOwnerID: ownerID,
		registrycontent.TagType:    registrycontent.TypeConversation,
	}
	if conversationID != "" {
		want[registrycontent.TagConversationID] = conversationID
	}
	var out []registrycontent.Pin
	for _, p := range pins {
		if p.Matches(want) {
			out = append(out, p)
		}
	}
	return out
}

// findContent returns the newest live payload for the conversation, or nil
// when the content store answered without one. Older duplicates left behind by
// a failed unpin are removed.
func (c *Coordinator) findContent(ctx context.Context, op, ownerID, id string) (*model.ConversationRecord, error) {
	pins, err := c.contents.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	matches := conversationPins(pins, ownerID, id)

	var (
		found     []candidate
		fetchErrs []error
	)
	for _, p := range matches {
		payload, err := c.contents.Fetch(ctx, p.Handle)
		if err != nil {
			fetchErrs = append(fetchErrs, err)
			continue
		}
		if payload == nil {
			continue
		}
		if rec, ok := decodePayload(payload, p.Handle, ownerID, id); ok {
			found = append(found, candidate{rec: rec, pinnedAt: p.PinnedAt})
		}
	}
	if len(found) == 0 {
		if len(fetchErrs) > 0 {
			return nil, fetchErrs[0]
		}
		return nil, nil
	}

	best := found[0]
	for _, cand := range found[1:] {
		if newer(cand, best) {
			best = cand
		}
	}
	for _, cand := range found {
		if cand.rec.Origin.Handle != best.rec.Origin.Handle {
			log.Info("Removing superseded conversation payload", "id", id, "handle", cand.rec.Origin.Handle)
			c.unpinQuietly(ctx, op, cand.rec.Origin.Handle)
		}
	}
	return &best.rec, nil
}

// probe records the outcome of asking each backend for one conversation.
type probe struct {
	errs     []error
	answered bool
}

func (p *probe) fail(backend model.Backend, op string, err error) {
	p.errs = append(p.errs, backendFailed(backend, op, err))
}

// missing converts an unsuccessful lookup into the caller-facing error.
func (p *probe) missing(op, id string) error {
	if !p.answered && len(p.errs) > 0 {
		return &registrystore.PersistenceUnavailableError{Op: op, Errs: p.errs}
	}
	return &registrystore.NotFoundError{Resource: "conversation", ID: id}
}

// GetConversation looks up Native ids in the document store first; Foreign ids
// never probe it. PersistenceUnavailable is returned only when no backend
// answered. Superseded content copies found on the way are unpinned.
func (c *Coordinator) GetConversation(ctx context.Context, ownerID string, conversationID string) (*model.ConversationRecord, error) {
	if err := requireIDs(ownerID, conversationID); err != nil {
		return nil, err
	}
	const op = "get"
	var pr probe

	if idkind.Classify(conversationID) == idkind.Native {
		rec, err := c.docs.FindOne(ctx, ownerID, conversationID)
		switch {
		case err != nil:
			pr.fail(model.BackendDocument, op, err)
		case rec != nil:
			return rec, nil
		default:
			pr.answered = true
		}
	}

	rec, err := c.findContent(ctx, op, ownerID, conversationID)
	switch {
	case err != nil:
		pr.fail(model.BackendContent, op, err)
	case rec != nil:
		return rec, nil
	default:
		pr.answered = true
	}
	return nil, pr.missing(op, conversationID)
}

// --- Mutations ---

func (c *Coordinator) mutate(ctx context.Context, op, ownerID, conversationID string, patch model.Patch) (*model.ConversationRecord, error) {
	var pr probe

	if idkind.Classify(conversationID) == idkind.Native {
		rec, err := c.docs.Update(ctx, ownerID, conversationID, patch)
		switch {
		case err != nil:
			pr.fail(model.BackendDocument, op, err)
		case rec != nil:
			return rec, nil
		default:
			pr.answered = true
		}
	}

	rec, err := c.findContent(ctx, op, ownerID, conversationID)
	switch {
	case err != nil:
		pr.fail(model.BackendContent, op, err)
		return nil, pr.missing(op, conversationID)
	case rec == nil:
		pr.answered = true
		return nil, pr.missing(op, conversationID)
	}

	previous := rec.Origin.Handle
	rec.Apply(patch)
	// Concurrent writers on this path can each pin a copy; the newest
	// updatedAt wins on the next lookup and the other copy is swept.
	p, err := c.pin(ctx, rec)
	if err != nil {
		return nil, &registrystore.PersistenceUnavailableError{
			Op:   op,
			Errs: append(pr.errs, backendFailed(model.BackendContent, op, err)),
		}
	}
	rec.Origin = model.Content(p.Handle)
	if p.Handle != previous {
		c.unpinQuietly(ctx, op, previous)
	}
	return rec, nil
}

// AddMessage appends msg atomically on the document store, or by
// fetch, append, pin and unpin-previous on the content store.
func (c *Coordinator) AddMessage(ctx context.Context, ownerID string, conversationID string, msg model.Message) (*model.ConversationRecord, error) {
	if err := requireIDs(ownerID, conversationID); err != nil {
		return nil, err
	}
	if err := validateMessage("message", msg); err != nil {
		return nil, err
	}
	now := c.now()
	return c.mutate(ctx, "add_message", ownerID, conversationID, model.Patch{
		AppendMessages: []model.Message{c.normalizeMessage(msg, now)},
		UpdatedAt:      now,
	})
}

// UpdateConversationTitle dispatches like AddMessage. A blank title is rejected.
func (c *Coordinator) UpdateConversationTitle(ctx context.Context, ownerID string, conversationID string, title string) (*model.ConversationRecord, error) {
	if err := requireIDs(ownerID, conversationID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &registrystore.ValidationError{Field: "title", Message: "is required"}
	}
	return c.mutate(ctx, "update_title", ownerID, conversationID, model.Patch{
		Title:     &title,
		UpdatedAt: c.now(),
	})
}

// UpdateAnnotations replaces the derived sentiment fields; dispatch as in AddMessage.
func (c *Coordinator) UpdateAnnotations(ctx context.Context, ownerID string, conversationID string, annotations model.Annotations) (*model.ConversationRecord, error) {
	if err := requireIDs(ownerID, conversationID); err != nil {
		return nil, err
	}
	return c.mutate(ctx, "update_annotations", ownerID, conversationID, model.Patch{
		Annotations: &annotations,
		UpdatedAt:   c.now(),
	})
}

// --- List ---

// ListConversations merges both backends, preferring the document copy of a
// duplicated id. Backend failures shrink the result instead of failing it.
func (c *Coordinator) ListConversations(ctx context.Context, ownerID string) ([]model.ConversationRecord, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	const op = "list"

	byID := map[string]model.ConversationRecord{}
	docs, err := c.docs.FindByOwner(ctx, ownerID)
	if err != nil {
		backendFailed(model.BackendDocument, op, err)
	}
	for _, rec := range docs {
		byID[rec.ID] = rec
	}

	for _, cand := range c.listContent(ctx, op, ownerID) {
		if _, ok := byID[cand.rec.ID]; ok {
			continue
		}
		byID[cand.rec.ID] = cand.rec
	}

	out := make([]model.ConversationRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.ConversationRecord) int {
		if cmp := b.UpdatedAt.Compare(a.UpdatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// listContent fetches every conversation payload pinned for the owner and
// keeps the newest per conversation id. Failures degrade to fewer results.
func (c *Coordinator) listContent(ctx context.Context, op, ownerID string) map[string]candidate {
	pins, err := c.contents.ListByOwner(ctx, ownerID)
	if err != nil {
		backendFailed(model.BackendContent, op, err)
		return nil
	}
	matches := conversationPins(pins, ownerID, "")

	results := make([]*candidate, len(matches))
	var g errgroup.Group
	g.SetLimit(c.opts.FetchConcurrency)
	for i, p := range matches {
		g.Go(func() error {
			payload, err := c.contents.Fetch(ctx, p.Handle)
			if err != nil {
				backendFailed(model.BackendContent, op, err)
				return nil
			}
			if payload == nil {
				return nil
			}
			rec, ok := decodePayload(payload, p.Handle, ownerID, p.Tags[registrycontent.TagConversationID])
			if ok {
				results[i] = &candidate{rec: rec, pinnedAt: p.PinnedAt}
			}
			return nil
		})
	}
	_ = g.Wait()

	newest := map[string]candidate{}
	for _, cand := range results {
		if cand == nil {
			continue
		}
		if cur, ok := newest[cand.rec.ID]; !ok || newer(*cand, cur) {
			newest[cand.rec.ID] = *cand
		}
	}
	return newest
}

// --- Delete ---

// DeleteConversation is best effort on both backends and reports whether
// either removed something. Foreign ids skip the document store.
func (c *Coordinator) DeleteConversation(ctx context.Context, ownerID string, conversationID string) (bool, error) {
	if err := requireIDs(ownerID, conversationID); err != nil {
		return false, err
	}
	const op = "delete"
	deleted := false

	if idkind.Classify(conversationID) == idkind.Native {
		n, err := c.docs.DeleteOne(ctx, ownerID, conversationID)
		if err != nil {
			backendFailed(model.BackendDocument, op, err)
		}
		deleted = n > 0
	}

	pins, err := c.contents.ListByOwner(ctx, ownerID)
	if err != nil {
		backendFailed(model.BackendContent, op, err)
		return deleted, nil
	}
	for _, p := range conversationPins(pins, ownerID, conversationID) {
		if c.unpinQuietly(ctx, op, p.Handle) {
			deleted = true
		}
	}
	return deleted, nil
}

// DeleteAllConversations returns the sum of documents removed and pins released.
func (c *Coordinator) DeleteAllConversations(ctx context.Context, ownerID string) (int64, error) {
	if err := requireOwner(ownerID); err != nil {
		return 0, err
	}
	const op = "delete_all"

	removed, err := c.docs.DeleteByOwner(ctx, ownerID)
	if err != nil {
		backendFailed(model.BackendDocument, op, err)
		removed = 0
	}

	pins, err := c.contents.ListByOwner(ctx, ownerID)
	if err != nil {
		backendFailed(model.BackendContent, op, err)
		return removed, nil
	}
	for _, p := range conversationPins(pins, ownerID, "") {
		if c.unpinQuietly(ctx, op, p.Handle) {
			removed++
		}
	}
	log.Info("Deleted all conversations", "owner", ownerID, "removed", removed)
	return removed, nil
}

var _ registrystore.ConversationStore = (*Coordinator)(nil)
