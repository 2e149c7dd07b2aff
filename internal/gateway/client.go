package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/sectorcount/internal/count"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// Client talks to the SyncGateway.
//
// Thread-safety: safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	token   string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests at perSecond with the given burst.
// A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateSession registers a new session with its products.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (count.Session, error) {
	var resp SessionResponse
	if err := c.do(ctx, req.ID, http.MethodPost, "/sectors", req, &resp); err != nil {
		return count.Session{}, err
	}
	return resp.Session, nil
}

// GetSession returns the authoritative session and its product snapshots.
func (c *Client) GetSession(ctx context.Context, sessionID string) (count.Session, []count.Product, error) {
	var resp SessionResponse
	if err := c.do(ctx, sessionID, http.MethodGet, sectorPath(sessionID, ""), nil, &resp); err != nil {
		return count.Session{}, nil, err
	}
	return resp.Session, resp.Products, nil
}

// StartSlot opens a counter slot.
func (c *Client) StartSlot(ctx context.Context, sessionID string, slot count.Slot, operator string) (count.Session, error) {
	return c.lifecycle(ctx, sessionID, "/start", StartRequest{Slot: slot, Operator: operator})
}

// SubmitSlot marks a counter slot as done for the current round. When the
// other slot already submitted, the returned session carries the outcome
// of the server's detection.
func (c *Client) SubmitSlot(ctx context.Context, sessionID string, slot count.Slot) (count.Session, error) {
	return c.lifecycle(ctx, sessionID, "/submit", SubmitRequest{Slot: slot})
}

// EnterRecount moves a CON_DIFFERENCES session into RECOUNT.
func (c *Client) EnterRecount(ctx context.Context, sessionID string) (count.Session, error) {
	return c.lifecycle(ctx, sessionID, "/recount", struct{}{})
}

// Finalize closes the session and triggers the stock adjustment.
func (c *Client) Finalize(ctx context.Context, sessionID string, force bool) (count.Session, error) {
	return c.lifecycle(ctx, sessionID, "/finalize", FinalizeRequest{Force: force})
}

// Cancel abandons the session.
func (c *Client) Cancel(ctx context.Context, sessionID string) (count.Session, error) {
	return c.lifecycle(ctx, sessionID, "/cancel", struct{}{})
}

func (c *Client) lifecycle(ctx context.Context, sessionID, suffix string, body any) (count.Session, error) {
	var resp SessionResponse
	if err := c.do(ctx, sessionID, http.MethodPost, sectorPath(sessionID, suffix), body, &resp); err != nil {
		return count.Session{}, err
	}
	return resp.Session, nil
}

// ListEntries returns the session's active entries as Remote entries.
func (c *Client) ListEntries(ctx context.Context, sessionID string) ([]count.Entry, error) {
	var resp EntriesResponse
	if err := c.do(ctx, sessionID, http.MethodGet, sectorPath(sessionID, "/entries"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]count.Entry, 0, len(resp.Entries))
	for _, d := range resp.Entries {
		if d.State == EntryDeleted {
			continue
		}
		out = append(out, d.Entry(sessionID))
	}
	return out, nil
}

// UpsertEntry creates or updates the server record with e's natural key
// and returns it as a Remote entry.
func (c *Client) UpsertEntry(ctx context.Context, e count.Entry) (count.Entry, bool, error) {
	var resp UpsertEntryResponse
	err := c.do(ctx, e.SessionID, http.MethodPost, sectorPath(e.SessionID, "/entries"), NewUpsertEntryRequest(e), &resp)
	if err != nil {
		return count.Entry{}, false, err
	}
	if resp.Entry.ID == "" {
		return count.Entry{}, false, count.NewTransientError("upsert entry: server returned no id", nil)
	}
	return resp.Entry.Entry(e.SessionID), resp.Created, nil
}

// UpdateEntry writes e's quantity and formula to its Remote record.
func (c *Client) UpdateEntry(ctx context.Context, e count.Entry) (count.Entry, error) {
	if !e.Tag.IsRemote() {
		return count.Entry{}, count.NewValidationError("update entry: " + e.Tag.String() + " is not bound to a server record")
	}
	var resp EntryResponse
	path := sectorPath(e.SessionID, "/entries/"+url.PathEscape(e.Tag.ID()))
	err := c.do(ctx, e.SessionID, http.MethodPut, path, UpdateEntryRequest{Quantity: e.Quantity, Formula: e.Formula}, &resp)
	if err != nil {
		return count.Entry{}, err
	}
	return resp.Entry.Entry(e.SessionID), nil
}

// DeleteEntry tombstones the server record.
func (c *Client) DeleteEntry(ctx context.Context, sessionID, entryID string) error {
	path := sectorPath(sessionID, "/entries/"+url.PathEscape(entryID))
	return c.do(ctx, sessionID, http.MethodDelete, path, nil, nil)
}

// Discrepancies returns the server's detection for the current round.
func (c *Client) Discrepancies(ctx context.Context, sessionID string) (DiscrepanciesResponse, error) {
	var resp DiscrepanciesResponse
	if err := c.do(ctx, sessionID, http.MethodGet, sectorPath(sessionID, "/discrepancies"), nil, &resp); err != nil {
		return DiscrepanciesResponse{}, err
	}
	return resp, nil
}

func sectorPath(sessionID, suffix string) string {
	return "/sectors/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) do(ctx context.Context, sessionID, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return count.NewTransientError(method+" "+path+": rate limit wait", err)
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("gateway request failed", "method", method, "path", path, "error", err)
		return &count.Error{
			Kind:      count.KindTransient,
			Message:   method + " " + path + " failed",
			SessionID: sessionID,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &count.Error{Kind: count.KindTransient, Message: "read response", SessionID: sessionID, Err: err}
	}
	c.logger.Debug("gateway request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(sessionID, method, path, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
