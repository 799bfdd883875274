package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/merkle"
	"github.com/archon72/ledger/pkg/verifyspec"
)

// ErrNotFound is returned when the service answers 404.
var ErrNotFound = errors.New("client: not found")

const maxBody = 32 << 20

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Head is the service's current chain head.
type Head struct {
	Sequence       uint64 `json:"head_sequence"`
	Hash           string `json:"head_hash"`
	HashAlgorithm  string `json:"hash_algorithm"`
	HashAlgVersion int    `json:"hash_alg_version"`
	WitnessID      string `json:"witness_id"`
}

// Checkpoint is a published Merkle anchor.
type Checkpoint struct {
	ID             string    `json:"checkpoint_id"`
	Number         uint64    `json:"number"`
	StartSequence  uint64    `json:"start_sequence"`
	EndSequence    uint64    `json:"end_sequence"`
	EventCount     int       `json:"event_count"`
	MerkleRoot     string    `json:"merkle_root"`
	HashAlgVersion int       `json:"hash_alg_version"`
	CreatedAt      time.Time `json:"created_at"`
	SignerID       string    `json:"signer_id,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// Query selects events. Zero values are omitted.
type Query struct {
	Types        []string
	Branches     []string
	Since        time.Time
	Until        time.Time
	AsOfSequence uint64
	Offset       int
	Limit        int
}

func (q Query) values() url.Values {
	v := url.Values{}
	for _, t := range q.Types {
		v.Add("event_type", t)
	}
	for _, b := range q.Branches {
		v.Add("branch", b)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.AsOfSequence > 0 {
		v.Set("as_of_sequence", strconv.FormatUint(q.AsOfSequence, 10))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Page is one page of query results.
type Page struct {
	Events     []event.Event `json:"events"`
	TotalCount int           `json:"total_count"`
	Offset     int           `json:"offset"`
	Limit      int           `json:"limit"`
	HasMore    bool          `json:"has_more"`
	ChainProof *chain.Proof  `json:"chain_proof,omitempty"`
}

// Client talks to one ledger service.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *eventCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches fetched events, which never change once committed.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newEventCache(ttl)
		return nil
	}
}

// New creates a Client for the service at base, e.g. "https://ledger.example".
//
//	c, err := client.New("https://ledger.example", client.WithCacheTTL(time.Minute))
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Head returns the current head.
func (c *Client) Head(ctx context.Context) (Head, error) {
	var h Head
	err := c.get(ctx, "/api/v1/ledger", nil, &h)
	return h, err
}

// Spec returns a published verification specification. Version 0 means the
// latest.
func (c *Client) Spec(ctx context.Context, version int) (verifyspec.Document, error) {
	path := "/api/v1/verification-spec"
	if version > 0 {
		path += "/" + strconv.Itoa(version)
	}
	var resp struct {
		Specification verifyspec.Document `json:"specification"`
	}
	err := c.get(ctx, path, nil, &resp)
	return resp.Specification, err
}

// Event fetches one event.
func (c *Client) Event(ctx context.Context, seq uint64) (event.Event, error) {
	if c.cache != nil {
		if ev, ok := c.cache.get(seq); ok {
			return ev, nil
		}
	}
	var ev event.Event
	if err := c.get(ctx, "/api/v1/events/"+strconv.FormatUint(seq, 10), nil, &ev); err != nil {
		return event.Event{}, err
	}
	if c.cache != nil {
		c.cache.set(seq, ev)
	}
	return ev, nil
}

// Events runs a query.
func (c *Client) Events(ctx context.Context, q Query) (Page, error) {
	var p Page
	err := c.get(ctx, "/api/v1/events", q.values(), &p)
	return p, err
}

// Range fetches [from, to] page by page. Missing sequences are simply absent
// from the result; callers that need contiguity verify it.
func (c *Client) Range(ctx context.Context, from, to uint64) ([]event.Event, error) {
	if from == 0 || to < from {
		return nil, fmt.Errorf("client: invalid range [%d, %d]", from, to)
	}
	const pageSize = 1000
	var out []event.Event
	q := Query{AsOfSequence: to, Limit: pageSize}
	for {
		p, err := c.Events(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ev := range p.Events {
			if ev.Sequence >= from {
				out = append(out, ev)
			}
		}
		if !p.HasMore || len(p.Events) == 0 {
			return out, nil
		}
		q.Offset += len(p.Events)
	}
}

// ChainProof fetches the hash-chain proof from from to the current head.
func (c *Client) ChainProof(ctx context.Context, from uint64) (chain.Proof, error) {
	var p chain.Proof
	err := c.get(ctx, "/api/v1/chain/proof", url.Values{"from": {strconv.FormatUint(from, 10)}}, &p)
	return p, err
}

// MerkleProof fetches seq's inclusion proof and the checkpoint the service
// says covers it.
func (c *Client) MerkleProof(ctx context.Context, seq uint64) (merkle.Proof, Checkpoint, error) {
	var resp struct {
		Proof      merkle.Proof `json:"proof"`
		Checkpoint Checkpoint   `json:"checkpoint"`
	}
	err := c.get(ctx, "/api/v1/events/"+strconv.FormatUint(seq, 10)+"/merkle-proof", nil, &resp)
	return resp.Proof, resp.Checkpoint, err
}

// Checkpoint fetches checkpoint number n.
func (c *Client) Checkpoint(ctx context.Context, n uint64) (Checkpoint, error) {
	var resp struct {
		Checkpoint Checkpoint `json:"checkpoint"`
	}
	err := c.get(ctx, "/api/v1/checkpoints/"+strconv.FormatUint(n, 10), nil, &resp)
	return resp.Checkpoint, err
}

// LatestCheckpoint fetches the most recent checkpoint.
func (c *Client) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	var resp struct {
		Checkpoint Checkpoint `json:"checkpoint"`
	}
	err := c.get(ctx, "/api/v1/checkpoints/latest", nil, &resp)
	return resp.Checkpoint, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do executes an HTTP request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// --- simple in-memory event cache ---

type cacheEntry struct {
	ev        event.Event
	expiresAt time.Time
}

type eventCache struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
}

func newEventCache(ttl time.Duration) *eventCache {
	return &eventCache{entries: make(map[uint64]*cacheEntry), ttl: ttl}
}

func (ec *eventCache) get(seq uint64) (event.Event, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	e, ok := ec.entries[seq]
	if !ok || time.Now().After(e.expiresAt) {
		return event.Event{}, false
	}
	return e.ev, true
}

func (ec *eventCache) set(seq uint64, ev event.Event) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.entries[seq] = &cacheEntry{ev: ev, expiresAt: time.Now().Add(ec.ttl)}
}
