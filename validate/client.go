// Package validate talks to the remote check-in authority.
//
// The client converts every failure at the transport boundary into a typed
// Outcome: callers (the scan state machine) never see a raw transport
// error from ValidateQR. Commit and stats calls return ordinary errors; the
// caller decides how to surface them.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// DefaultTimeout bounds one authority round trip.
const DefaultTimeout = 5 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the authority's check-in API root (required),
	// e.g. "https://api.example.com/api/checkin".
	BaseURL string
	// Timeout bounds a single request. Defaults to DefaultTimeout.
	Timeout time.Duration
	// MaxConnsPerHost caps concurrent connections. 0 uses fasthttp's default.
	MaxConnsPerHost int
}

// Client is a check-in authority client. Safe for concurrent use; requests
// for different tokens may be in flight simultaneously.
type Client struct {
	baseURL string
	timeout time.Duration
	hc      *fasthttp.Client
}

// NewClient creates a Client with fail-fast validation.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("validate: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		hc: &fasthttp.Client{
			Name:            "gatescan",
			MaxConnsPerHost: cfg.MaxConnsPerHost,
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
		},
	}, nil
}

// validateRequest is the validate-qr wire request.
type validateRequest struct {
	Token   string `json:"token"`
	EventID string `json:"eventId"`
}

// validateResponse is the validate-qr wire response.
type validateResponse struct {
	OK      bool        `json:"ok"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Meta    *TicketMeta `json:"meta,omitempty"`
}

// ValidateQR checks a token against the authority and returns a typed
// outcome. It never returns an error: transport failures (no response,
// timeout, unreadable body) yield a StatusNetworkError outcome.
func (c *Client) ValidateQR(ctx context.Context, tok, eventID string) Outcome {
	body, err := json.Marshal(validateRequest{Token: tok, EventID: eventID})
	if err != nil {
		// Marshal of two plain strings cannot fail; keep the guard anyway.
		return networkError(err)
	}

	status, respBody, err := c.post(ctx, c.baseURL+"/validate-qr", body)
	if err != nil {
		slog.Debug("validate: transport failure", "error", err)
		return networkError(err)
	}

	var resp validateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		slog.Debug("validate: unreadable response body",
			"http_status", status,
			"error", err,
		)
		return networkError(fmt.Errorf("unreadable response (http %d)", status))
	}
	if resp.Status == "" {
		return networkError(fmt.Errorf("response missing status (http %d)", status))
	}

	out := Outcome{
		Status:  ParseStatus(resp.Status),
		Message: resp.Message,
		Meta:    resp.Meta,
	}

	// A valid outcome must carry the token to commit with. Servers are
	// expected to echo it; fall back to the scanned token if one does not.
	if out.Status == StatusValid {
		if out.Meta == nil {
			out.Meta = &TicketMeta{}
		}
		if out.Meta.QRToken == "" {
			out.Meta.QRToken = tok
		}
	}
	return out
}

// CheckInRequest is a commit command against a previously validated ticket.
type CheckInRequest struct {
	QRToken   string `json:"qrToken"`
	EventID   string `json:"eventId"`
	CheckInBy string `json:"checkInBy"`
}

// checkInResponse is the check-in wire response.
type checkInResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CheckIn marks a ticket as admitted. Returns an error on transport failure
// or a server-side rejection; the caller may retry without re-scanning.
func (c *Client) CheckIn(ctx context.Context, req CheckInRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("validate: marshal check-in: %w", err)
	}

	status, respBody, err := c.post(ctx, c.baseURL+"/check-in", body)
	if err != nil {
		return fmt.Errorf("validate: check-in request: %w", err)
	}

	var resp checkInResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("validate: unreadable check-in response (http %d)", status)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("check-in rejected (http %d)", status)
		}
		return fmt.Errorf("validate: %s", resp.Error)
	}
	return nil
}

// EventStats fetches the aggregate attendance snapshot for an event.
func (c *Client) EventStats(ctx context.Context, eventID string) (EventStats, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/stats?eventId=" + eventID)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.do(ctx, req, resp); err != nil {
		return EventStats{}, fmt.Errorf("validate: stats request: %w", err)
	}

	var stats EventStats
	if err := json.Unmarshal(resp.Body(), &stats); err != nil {
		return EventStats{}, fmt.Errorf("validate: unreadable stats response (http %d)", resp.StatusCode())
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now()
	}
	return stats, nil
}

// post issues one JSON POST and returns the HTTP status and body bytes.
// The body is copied out before the response is released.
func (c *Client) post(ctx context.Context, uri string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := c.do(ctx, req, resp); err != nil {
		return 0, nil, err
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

// do executes a request honoring the earlier of the context deadline and the
// configured per-request timeout.
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.hc.DoDeadline(req, resp, deadline)
}
