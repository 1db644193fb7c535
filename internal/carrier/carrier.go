// Package carrier is the REST client for the telephony provider,
// currently used to create outbound calls for shift-offer waves.
package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CreateCallRequest describes one outbound call.
type CreateCallRequest struct {
	To             string
	From           string
	AnswerURL      string // returns the instruction document on answer
	StatusCallback string
	TimeoutSecs    int
}

// Call is the carrier's view of a created call.
type Call struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

// Caller creates calls; the interface keeps the wave scheduler testable
// without a live carrier.
type Caller interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error)
}

// Client talks to the carrier's REST API with basic-auth credentials.
type Client struct {
	baseURL string
	account string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a client for the carrier account.
func New(baseURL, account, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		account: account,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("subsystem", "carrier"),
	}
}

// CreateCall posts a call creation request and returns the assigned SID.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.TimeoutSecs > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSecs))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.account)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building create call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.account, c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("creating call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading carrier response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("carrier returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("decoding carrier response: %w", err)
	}
	c.logger.Info("outbound call created", "to", req.To, "call_sid", call.Sid)
	return &call, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Caller = (*Client)(nil)
