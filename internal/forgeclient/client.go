package forgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcdecoded/govcore/internal/audit"
)

// StatusPayload is what the engine reports back to the forge after a
// transition: the change's new status, a human summary, and whichever gate
// counters apply (signature progress, earliest merge instant, unsatisfied
// companion links).
type StatusPayload struct {
	Repo            string     `json:"repo"`
	Number          int64      `json:"number"`
	Status          string     `json:"state"`
	Summary         string     `json:"summary,omitempty"`
	Required        int        `json:"required,omitempty"`
	Current         int        `json:"current,omitempty"`
	EarliestMergeAt *time.Time `json:"earliest_merge_at,omitempty"`
	MissingLinks    []string   `json:"missing_links,omitempty"`
}

// HTTPDoer is the subset of *http.Client the forgeclient depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client emits status updates to the forge's API, authenticating per
// request with a freshly issued app JWT. Retries use exponential backoff;
// exhausting retries produces a dead-letter audit entry rather than
// silently dropping the update, since a lost status update would leave a
// change's forge-visible state inconsistent with the engine's.
type Client struct {
	http    HTTPDoer
	issuer  *TokenIssuer
	baseURL string
	auditLog *audit.Log
	maxRetries int
}

// New constructs a Client posting against baseURL.
func New(http HTTPDoer, issuer *TokenIssuer, baseURL string, auditLog *audit.Log) *Client {
	return &Client{http: http, issuer: issuer, baseURL: baseURL, auditLog: auditLog, maxRetries: 5}
}

// EmitStatus posts a status update, retrying transient failures with
// exponential backoff (100ms, 200ms, 400ms, ...). If retries are
// exhausted, a dead-letter audit entry records the undelivered update so
// an operator can replay it.
func (c *Client) EmitStatus(ctx context.Context, payload StatusPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("forgeclient: marshal status payload: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return c.deadLetter(ctx, payload, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}

		if err := c.attempt(ctx, body); err != nil {
			lastErr = err
			var permanent *permanentError
			if errors.As(err, &permanent) {
				return c.deadLetter(ctx, payload, lastErr)
			}
			continue
		}
		return nil
	}

	return c.deadLetter(ctx, payload, lastErr)
}

// permanentError marks a forge response the engine should not retry, e.g. a
// rejected payload the forge will never accept unmodified.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// deadLetter records an undeliverable status update in the audit log so an
// operator can replay it, rather than silently dropping it.
func (c *Client) deadLetter(ctx context.Context, payload StatusPayload, cause error) error {
	if c.auditLog != nil {
		entry := struct {
			StatusPayload
			Error string `json:"error"`
		}{StatusPayload: payload, Error: cause.Error()}
		_, auditErr := c.auditLog.Append(ctx, audit.EventKind("forge-status-dead-letter"), fmt.Sprintf("%s#%d", payload.Repo, payload.Number), entry)
		if auditErr != nil {
			return fmt.Errorf("forgeclient: emit status failed (%v) and dead-letter audit also failed: %w", cause, auditErr)
		}
	}
	return fmt.Errorf("forgeclient: emit status exhausted retries: %w", cause)
}

// PostComment posts a bot comment on a change — the reply channel for
// author-facing refusals (signature-invalid, signer-out-of-tier). A failed
// comment is logged by the caller, never retried: the refusal is already
// visible in the status payload, the comment is a courtesy.
func (c *Client) PostComment(ctx context.Context, repo string, number int64, body string) error {
	payload := struct {
		Repo   string `json:"repo"`
		Number int64  `json:"number"`
		Body   string `json:"body"`
	}{Repo: repo, Number: number, Body: body}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("forgeclient: marshal comment payload: %w", err)
	}
	return c.post(ctx, "/governance-comment", raw)
}

func (c *Client) attempt(ctx context.Context, body []byte) error {
	return c.post(ctx, "/governance-status", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	token, err := c.issuer.Issue(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("forgeclient: issue app token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forgeclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forgeclient: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("forgeclient: forge returned retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return &permanentError{fmt.Errorf("forgeclient: forge rejected status update: %d", resp.StatusCode)}
	}
	return nil
}
