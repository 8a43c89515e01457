package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/moodlog/conversation-store/internal/config"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
)

func init() {
	registrycontent.Register(registrycontent.Plugin{
		Name:   "pinata",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycontent.ContentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.PinataJWT == "" {
		return nil, fmt.Errorf("pinata: --pinata-jwt is required")
	}
	return New(Options{
		APIURL:     cfg.PinataAPIURL,
		GatewayURL: cfg.PinataGatewayURL,
		JWT:        cfg.PinataJWT,
		Timeout:    cfg.ContentStoreTimeout,
		MaxRetries: cfg.PinataMaxRetries,
		PageLimit:  cfg.PinataPageLimit,
	}), nil
}

const (
	defaultPageLimit = 1000
	retryWaitMin     = 100 * time.Millisecond
	retryWaitMax     = 2 * time.Second
	maxErrorBody     = 1024
)

// Options configures a PinataStore.
type Options struct {
	APIURL     string
	GatewayURL string
	JWT        string
	// Timeout bounds each HTTP attempt. Expiry is reported as an error.
	Timeout    time.Duration
	MaxRetries int
	PageLimit  int
}

// PinataStore is a ContentStore over a Pinata-compatible pinning REST API.
// Payloads are pinned as JSON; the pin metadata keyvalues act as the tag index.
type PinataStore struct {
	client     *retryablehttp.Client
	apiURL     string
	gatewayURL string
	jwt        string
	pageLimit  int
}

// New builds a PinataStore. The HTTP client is safe for concurrent use.
func New(opts Options) *PinataStore {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = leveledLogger{}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	return &PinataStore{
		client:     client,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		gatewayURL: strings.TrimRight(opts.GatewayURL, "/"),
		jwt:        opts.JWT,
		pageLimit:  pageLimit,
	}
}

type pinRequest struct {
	Options  pinOptions      `json:"pinataOptions"`
	Metadata pinMetadata     `json:"pinataMetadata"`
	Content  json.RawMessage `json:"pinataContent"`
}

type pinOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

type pinResponse struct {
	IpfsHash  string    `json:"IpfsHash"`
	PinSize   int64     `json:"PinSize"`
	Timestamp time.Time `json:"Timestamp"`
}

type pinListResponse struct {
	Count int          `json:"count"`
	Rows  []pinListRow `json:"rows"`
}

type pinListRow struct {
	IpfsPinHash string    `json:"ipfs_pin_hash"`
	DatePinned  time.Time `json:"date_pinned"`
	Metadata    struct {
		Name      string         `json:"name"`
		KeyValues map[string]any `json:"keyvalues"`
	} `json:"metadata"`
}

type keyValueFilter struct {
	Value string `json:"value"`
	Op    string `json:"op"`
}

func (s *PinataStore) Store(ctx context.Context, name string, payload []byte, tags map[string]string) (*registrycontent.Pin, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("pinata: payload is not valid JSON")
	}
	body, err := json.Marshal(pinRequest{
		Options:  pinOptions{CIDVersion: 1},
		Metadata: pinMetadata{Name: name, KeyValues: tags},
		Content:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("pinata: encode pin request: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPost, s.apiURL+"/pinning/pinJSONToIPFS", body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("pin", resp)
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pinata: decode pin response: %w", err)
	}
	if out.IpfsHash == "" {
		return nil, fmt.Errorf("pinata: pin response has no hash")
	}
	pinnedAt := out.Timestamp
	if pinnedAt.IsZero() {
		pinnedAt = time.Now().UTC()
	}
	return &registrycontent.Pin{Handle: out.IpfsHash, Tags: tags, PinnedAt: pinnedAt}, nil
}

func (s *PinataStore) Fetch(ctx context.Context, handle string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, s.gatewayURL+"/ipfs/"+url.PathEscape(handle), nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError("fetch", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pinata: read payload %s: %w", handle, err)
	}
	return data, nil
}

func (s *PinataStore) Unpin(ctx context.Context, handle string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.apiURL+"/pinning/unpin/"+url.PathEscape(handle), nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("unpin", resp)
	}
}

func (s *PinataStore) ListByOwner(ctx context.Context, ownerID string) ([]registrycontent.Pin, error) {
	filter, err := json.Marshal(map[string]keyValueFilter{
		registrycontent.TagOwnerID: {Value: ownerID, Op: "eq"},
	})
	if err != nil {
		return nil, fmt.Errorf("pinata: encode metadata filter: %w", err)
	}

	var pins []registrycontent.Pin
	for offset := 0; ; offset += s.pageLimit {
		q := url.Values{}
		q.Set("status", "pinned")
		q.Set("pageLimit", strconv.Itoa(s.pageLimit))
		q.Set("pageOffset", strconv.Itoa(offset))
		q.Set("metadata[keyvalues]", string(filter))

		page, err := s.listPage(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, row := range page.Rows {
			tags := make(map[string]string, len(row.Metadata.KeyValues))
			for k, v := range row.Metadata.KeyValues {
				tags[k] = fmt.Sprint(v)
			}
			// The API filter is authoritative, but never hand back another owner's pin.
			if tags[registrycontent.TagOwnerID] != ownerID {
				continue
			}
			pins = append(pins, registrycontent.Pin{Handle: row.IpfsPinHash, Tags: tags, PinnedAt: row.DatePinned})
		}
		if len(page.Rows) < s.pageLimit || offset+len(page.Rows) >= page.Count {
			break
		}
	}
	return pins, nil
}

func (s *PinataStore) listPage(ctx context.Context, q url.Values) (*pinListResponse, error) {
	resp, err := s.do(ctx, http.MethodGet, s.apiURL+"/data/pinList?"+q.Encode(), nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list pins", resp)
	}
	var page pinListResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("pinata: decode pin list: %w", err)
	}
	return &page, nil
}

func (s *PinataStore) do(ctx context.Context, method, rawURL string, body []byte, auth bool) (*http.Response, error) {
	var reqBody any
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("pinata: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.jwt)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pinata: %s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("pinata: %s failed: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// leveledLogger routes retryablehttp's logging through charmbracelet/log.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...any) { log.Error(msg, kv...) }
func (leveledLogger) Info(msg string, kv ...any)  { log.Debug(msg, kv...) }
func (leveledLogger) Debug(msg string, kv ...any) { log.Debug(msg, kv...) }
func (leveledLogger) Warn(msg string, kv ...any)  { log.Warn(msg, kv...) }

var (
	_ registrycontent.ContentStore = (*PinataStore)(nil)
	_ retryablehttp.LeveledLogger  = leveledLogger{}
)
