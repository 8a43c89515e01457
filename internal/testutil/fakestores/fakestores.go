// Package fakestores provides in-memory document and content stores with
// injectable outages for coordinator tests.
package fakestores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/moodlog/conversation-store/internal/model"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrydocstore "github.com/moodlog/conversation-store/internal/registry/docstore"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrOffline is returned by any operation configured to fail.
var ErrOffline = errors.New("backend offline")

// faults tracks which operations fail and how often each was called.
type faults struct {
	mu      sync.Mutex
	offline bool
	failing map[string]bool
	calls   map[string]int
}

func (f *faults) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	if f.offline || f.failing[op] {
		return ErrOffline
	}
	return nil
}

// SetOffline makes every operation fail until called with false.
func (f *faults) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailOn makes the named operations fail. Calling it with no names clears it.
func (f *faults) FailOn(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = map[string]bool{}
	for _, op := range ops {
		f.failing[op] = true
	}
}

func (f *faults) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = false
	f.failing = nil
	f.calls = nil
}

// Calls returns how many times op was invoked.
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Docs is an in-memory DocumentStore keyed by ObjectID hex strings.
type Docs struct {
	faults
	mu   sync.Mutex
	recs map[string]model.ConversationRecord
}

func NewDocs() *Docs {
	return &Docs{recs: map[string]model.ConversationRecord{}}
}

// Reset drops every record and clears injected faults.
func (d *Docs) Reset() {
	d.faults.reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = map[string]model.ConversationRecord{}
}

// Len reports how many records are stored regardless of owner.
func (d *Docs) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recs)
}

func (d *Docs) Insert(_ context.Context, rec *model.ConversationRecord) (string, error) {
	if err := d.enter("Insert"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := bson.NewObjectID().Hex()
	stored := rec.Clone()
	stored.ID = id
	stored.Origin = model.Native(id)
	d.recs[id] = stored
	return id, nil
}

func (d *Docs) FindOne(_ context.Context, ownerID, id string) (*model.ConversationRecord, error) {
	if err := d.enter("FindOne"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.recs[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (d *Docs) FindByOwner(_ context.Context, ownerID string) ([]model.ConversationRecord, error) {
	if err := d.enter("FindByOwner"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.ConversationRecord
	for _, rec := range d.recs {
		if rec.OwnerID == ownerID {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.ConversationRecord) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (d *Docs) Update(_ context.Context, ownerID, id string, p model.Patch) (*model.ConversationRecord, error) {
	if err := d.enter("Update"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.recs[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, nil
	}
	rec = rec.Clone()
	rec.Apply(p)
	d.recs[id] = rec
	out := rec.Clone()
	return &out, nil
}

func (d *Docs) DeleteOne(_ context.Context, ownerID, id string) (int64, error) {
	if err := d.enter("DeleteOne"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.recs[id]
	if !ok || rec.OwnerID != ownerID {
		return 0, nil
	}
	delete(d.recs, id)
	return 1, nil
}

func (d *Docs) DeleteByOwner(_ context.Context, ownerID string) (int64, error) {
	if err := d.enter("DeleteByOwner"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, rec := range d.recs {
		if rec.OwnerID == ownerID {
			delete(d.recs, id)
			n++
		}
	}
	return n, nil
}

type blob struct {
	payload  []byte
	tags     map[string]string
	pinnedAt time.Time
}

// Contents is an in-memory ContentStore whose handles are SHA-256 digests.
type Contents struct {
	faults
	mu    sync.Mutex
	blobs map[string]blob
}

func NewContents() *Contents {
	return &Contents{blobs: map[string]blob{}}
}

// Reset drops every pin and clears injected faults.
func (c *Contents) Reset() {
	c.faults.reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs = map[string]blob{}
}

// Handles returns every pinned handle.
func (c *Contents) Handles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.blobs))
}

// Put pins payload directly, bypassing fault injection.
func (c *Contents) Put(payload []byte, tags map[string]string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(payload, tags)
}

func (c *Contents) putLocked(payload []byte, tags map[string]string) string {
	sum := sha256.Sum256(payload)
	handle := hex.EncodeToString(sum[:])
	c.blobs[handle] = blob{payload: slices.Clone(payload), tags: maps.Clone(tags), pinnedAt: time.Now().UTC()}
	return handle
}

func (c *Contents) Store(_ context.Context, _ string, payload []byte, tags map[string]string) (*registrycontent.Pin, error) {
	if err := c.enter("Store"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := c.putLocked(payload, tags)
	b := c.blobs[handle]
	return &registrycontent.Pin{Handle: handle, Tags: maps.Clone(b.tags), PinnedAt: b.pinnedAt}, nil
}

func (c *Contents) Fetch(_ context.Context, handle string) ([]byte, error) {
	if err := c.enter("Fetch"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[handle]
	if !ok {
		return nil, nil
	}
	return slices.Clone(b.payload), nil
}

func (c *Contents) Unpin(_ context.Context, handle string) error {
	if err := c.enter("Unpin"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, handle)
	return nil
}

func (c *Contents) ListByOwner(_ context.Context, ownerID string) ([]registrycontent.Pin, error) {
	if err := c.enter("ListByOwner"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var pins []registrycontent.Pin
	for handle, b := range c.blobs {
		if b.tags[registrycontent.TagOwnerID] == ownerID {
			pins = append(pins, registrycontent.Pin{Handle: handle, Tags: maps.Clone(b.tags), PinnedAt: b.pinnedAt})
		}
	}
	return pins, nil
}

var (
	_ registrydocstore.DocumentStore = (*Docs)(nil)
	_ registrycontent.ContentStore   = (*Contents)(nil)
)
