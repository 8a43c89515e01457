package pinata_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moodlog/conversation-store/internal/plugin/content/pinata"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWT = "test-jwt"

type fakePin struct {
	content   json.RawMessage
	keyvalues map[string]string
	pinnedAt  time.Time
}

// fakePinning emulates the subset of the pinning API the store uses.
type fakePinning struct {
	mu        sync.Mutex
	pins      map[string]*fakePin
	order     []string
	failPins  atomic.Int32
	listCalls atomic.Int32
}

func newFakePinning(t *testing.T) (*fakePinning, *httptest.Server) {
	f := &fakePinning{pins: map[string]*fakePin{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pinning/pinJSONToIPFS", f.authed(f.pin))
	mux.HandleFunc("DELETE /pinning/unpin/{hash}", f.authed(f.unpin))
	mux.HandleFunc("GET /data/pinList", f.authed(f.list))
	mux.HandleFunc("GET /ipfs/{hash}", f.gateway)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePinning) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testJWT {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (f *fakePinning) pin(w http.ResponseWriter, r *http.Request) {
	if f.failPins.Load() > 0 {
		f.failPins.Add(-1)
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Metadata struct {
			Name      string            `json:"name"`
			KeyValues map[string]string `json:"keyvalues"`
		} `json:"pinataMetadata"`
		Content json.RawMessage `json:"pinataContent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sum := sha256.Sum256(req.Content)
	hash := "bafk" + hex.EncodeToString(sum[:16])
	now := time.Now().UTC().Truncate(time.Millisecond)

	f.mu.Lock()
	if _, ok := f.pins[hash]; !ok {
		f.order = append(f.order, hash)
	}
	f.pins[hash] = &fakePin{content: req.Content, keyvalues: req.Metadata.KeyValues, pinnedAt: now}
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{"IpfsHash": hash, "PinSize": len(req.Content), "Timestamp": now})
}

func (f *fakePinning) unpin(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pins[hash]; !ok {
		http.Error(w, "not pinned", http.StatusNotFound)
		return
	}
	delete(f.pins, hash)
	w.WriteHeader(http.StatusOK)
}

func (f *fakePinning) list(w http.ResponseWriter, r *http.Request) {
	f.listCalls.Add(1)
	var filter map[string]struct {
		Value string `json:"value"`
		Op    string `json:"op"`
	}
	if err := json.Unmarshal([]byte(r.URL.Query().Get("metadata[keyvalues]")), &filter); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("pageLimit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("pageOffset"))

	f.mu.Lock()
	var matched []map[string]any
	for _, hash := range f.order {
		p, ok := f.pins[hash]
		if !ok {
			continue
		}
		match := true
		for k, cond := range filter {
			if p.keyvalues[k] != cond.Value {
				match = false
			}
		}
		if match {
			matched = append(matched, map[string]any{
				"ipfs_pin_hash": hash,
				"date_pinned":   p.pinnedAt,
				"metadata":      map[string]any{"keyvalues": p.keyvalues},
			})
		}
	}
	f.mu.Unlock()

	rows := []map[string]any{}
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		rows = matched[offset:end]
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(matched), "rows": rows})
}

func (f *fakePinning) gateway(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	p, ok := f.pins[r.PathValue("hash")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.content)
}

func newStore(srv *httptest.Server, pageLimit int) *pinata.PinataStore {
	return pinata.New(pinata.Options{
		APIURL:     srv.URL,
		GatewayURL: srv.URL + "/",
		JWT:        testJWT,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		PageLimit:  pageLimit,
	})
}

func tags(owner, conv string) map[string]string {
	return map[string]string{
		registrycontent.TagOwnerID:        owner,
		registrycontent.TagType:           registrycontent.TypeConversation,
		registrycontent.TagConversationID: conv,
	}
}

func TestStoreFetchUnpin(t *testing.T) {
	_, srv := newFakePinning(t)
	store := newStore(srv, 10)
	ctx := context.Background()

	payload := []byte(`{"id":"c1","title":"hello"}`)
	pin, err := store.Store(ctx, "conversation-c1", payload, tags("u1", "c1"))
	require.NoError(t, err)
	require.NotEmpty(t, pin.Handle)
	assert.Equal(t, "c1", pin.Tags[registrycontent.TagConversationID])
	assert.False(t, pin.PinnedAt.IsZero())

	got, err := store.Fetch(ctx, pin.Handle)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	require.NoError(t, store.Unpin(ctx, pin.Handle))

	got, err = store.Fetch(ctx, pin.Handle)
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("unpin of an absent handle succeeds", func(t *testing.T) {
		require.NoError(t, store.Unpin(ctx, pin.Handle))
	})
}

func TestStoreRejectsNonJSON(t *testing.T) {
	_, srv := newFakePinning(t)
	_, err := newStore(srv, 10).Store(context.Background(), "x", []byte("not json"), nil)
	require.Error(t, err)
}

func TestListByOwnerPagesAndFilters(t *testing.T) {
	fake, srv := newFakePinning(t)
	store := newStore(srv, 2)
	ctx := context.Background()

	for i := range 5 {
		id := "c" + strconv.Itoa(i)
		_, err := store.Store(ctx, "conversation-"+id, []byte(`{"id":"`+id+`"}`), tags("u1", id))
		require.NoError(t, err)
	}
	_, err := store.Store(ctx, "conversation-other", []byte(`{"id":"other"}`), tags("u2", "other"))
	require.NoError(t, err)

	pins, err := store.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pins, 5)
	for _, p := range pins {
		assert.Equal(t, "u1", p.Tags[registrycontent.TagOwnerID])
		assert.True(t, strings.HasPrefix(p.Tags[registrycontent.TagConversationID], "c"))
	}
	assert.EqualValues(t, 3, fake.listCalls.Load())

	none, err := store.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetriesTransientFailures(t *testing.T) {
	fake, srv := newFakePinning(t)
	fake.failPins.Store(2)

	pin, err := newStore(srv, 10).Store(context.Background(), "n", []byte(`{}`), tags("u1", "c1"))
	require.NoError(t, err)
	assert.NotEmpty(t, pin.Handle)
}

func TestErrorsSurfaceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	store := newStore(srv, 10)
	_, err := store.ListByOwner(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	err = store.Unpin(context.Background(), "bafkabc")
	require.Error(t, err)
}
