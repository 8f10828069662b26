package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Milestone is the API milestone model (partial).
type Milestone struct {
	ID               string  `json:"id"`
	Sequence         int     `json:"sequence"`
	Title            string  `json:"title"`
	PayoutPercentage float64 `json:"payout_percentage"`
	Status           string  `json:"status"`
}

// Proposal is the API proposal model (partial).
type Proposal struct {
	ID               string  `json:"id"`
	LabID            string  `json:"lab_id"`
	BidAmount        float64 `json:"bid_amount"`
	StakedAmount     float64 `json:"staked_amount"`
	TimelineDays     int     `json:"timeline_days"`
	VerificationTier string  `json:"verification_tier"`
	Status           string  `json:"status"`
}

// Bounty is the API bounty model (partial).
type Bounty struct {
	ID            string      `json:"id"`
	FunderID      string      `json:"funder_id"`
	Title         string      `json:"title"`
	Budget        float64     `json:"budget"`
	Currency      string      `json:"currency"`
	PaymentMethod string      `json:"payment_method"`
	Milestones    []Milestone `json:"milestones"`
	Proposals     []Proposal  `json:"proposals"`
	OnHold        bool        `json:"on_hold"`
	HoldReason    string      `json:"hold_reason"`
}

// Snapshot is the current state of a bounty.
type Snapshot struct {
	State    string `json:"state"`
	SubState string `json:"sub_state"`
	Label    string `json:"label"`
	Version  int64  `json:"version"`
	Bounty   Bounty `json:"bounty"`
}

// BountySummary is one row of a bounty listing.
type BountySummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	FunderID      string `json:"funder_id"`
	PaymentMethod string `json:"payment_method"`
	State         string `json:"state"`
	SubState      string `json:"sub_state"`
	Version       int64  `json:"version"`
	OnHold        bool   `json:"on_hold"`
	CreatedAt     string `json:"created_at"`
}

// PaginatedBounties wraps list responses with cursors.
type PaginatedBounties struct {
	Items      []BountySummary `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// Notification is one entry of a bounty's event history.
type Notification struct {
	ID        int64          `json:"id"`
	BountyID  string         `json:"bounty_id"`
	Event     string         `json:"event"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	ActorID   string         `json:"actor_id"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// Release is one escrow movement (lock, release or refund) in rail base units.
type Release struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount_units"`
	RecipientRef string `json:"recipient_ref"`
	TxRef        string `json:"tx_ref"`
	CreatedAt    string `json:"created_at"`
}

// Result is the outcome of a submitted event.
type Result struct {
	State    string `json:"state"`
	SubState string `json:"sub_state"`
	Label    string `json:"label"`
	Version  int64  `json:"version"`
	OnHold   bool   `json:"on_hold"`
}

// CreateBountyRequest creates a bounty in drafting. Draft follows the submit-event
// draft shape.
type CreateBountyRequest struct {
	Title         string         `json:"title"`
	Budget        float64        `json:"budget"`
	Currency      string         `json:"currency,omitempty"`
	PaymentMethod string         `json:"payment_method"`
	FunderID      string         `json:"funder_id,omitempty"`
	Draft         map[string]any `json:"draft,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked the caller to retry later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// Health pings the API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// CreateBounty creates a bounty.
func (c *Client) CreateBounty(ctx context.Context, req CreateBountyRequest) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, "v0/bounties", req, &resp)
	return resp, err
}

// Bounty returns the bounty snapshot.
func (c *Client) Bounty(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.bountyPath(id, ""), nil, &resp)
	return resp, err
}

// ListBounties returns a page of bounties, newest first.
func (c *Client) ListBounties(ctx context.Context, state string, limit int, cursor string) (PaginatedBounties, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedBounties
	err := c.do(ctx, http.MethodGet, withQuery("v0/bounties", q), nil, &resp)
	return resp, err
}

// Submit sends a lifecycle event. evt must carry "type" plus the fields that event reads.
func (c *Client) Submit(ctx context.Context, bountyID string, evt map[string]any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.bountyPath(bountyID, "events"), evt, &resp)
	return resp, err
}

// Events returns the newest events of a bounty.
func (c *Client) Events(ctx context.Context, bountyID string, limit int) ([]Notification, error) {
	page, err := c.EventsPage(ctx, bountyID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, bountyID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.bountyPath(bountyID, "events"), q), nil, &resp)
	return resp, err
}

// Releases returns the escrow movements recorded for a bounty.
func (c *Client) Releases(ctx context.Context, bountyID string) ([]Release, error) {
	var resp []Release
	err := c.do(ctx, http.MethodGet, c.bountyPath(bountyID, "releases"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) bountyPath(id, sub string) string {
	p := "v0/bounties/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
