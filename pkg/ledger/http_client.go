package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agritrace/provenance/pkg/provenance"
)

// ExpectedSeqHeader carries the fencing token on remote appends.
const ExpectedSeqHeader = "X-Expected-Seq"

// CodeLedgerRejected marks a deterministic ledger rejection: the signer
// refused the transaction, the submitting account cannot cover it, or
// execution reverted with a reason. Unlike an outage, retrying cannot
// change the outcome, so these surface immediately.
const CodeLedgerRejected = "LEDGER_REJECTED"

// ClientConfig configures the remote ledger client.
type ClientConfig struct {
	// BaseURL is the ledger gateway, e.g. "https://ledger.example.com".
	BaseURL string

	// PageSize is the range-scan page size. Default 500.
	PageSize int

	// MaxRetries is how many times a failed request is retried before the
	// call surfaces LEDGER_UNAVAILABLE. Default 2 (three attempts total).
	MaxRetries int

	// RetryBackoff is the initial backoff between retries, doubled per
	// attempt. Default 250ms.
	RetryBackoff time.Duration

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Logger for retry visibility. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Client reads and appends ledger events over HTTP. The remote ledger
// only supports range scans (`GET /events?after=<seq>&limit=<n>`), so
// Scan pages through the full range and filters client-side.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a remote ledger client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, log: logger}
}

type scanPage struct {
	Events []Event `json:"events"`
}

// Scan pages through the remote event range in ledger order and returns
// the events matching f. An empty result is not an error.
func (c *Client) Scan(ctx context.Context, f Filter) ([]Event, error) {
	var out []Event
	after := uint64(0)
	for {
		page, err := c.scanPage(ctx, after)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if f.Matches(ev) {
				out = append(out, ev)
			}
			after = ev.Seq
		}
		if len(page) < c.cfg.PageSize {
			return out, nil
		}
	}
}

// Append commits an event to the remote ledger.
func (c *Client) Append(ctx context.Context, ev Event) (string, error) {
	return c.append(ctx, ev, nil)
}

// AppendFenced commits ev with the expected-head fencing token. The
// remote ledger answers 409 when the batch head has moved, which is
// surfaced as a STALE_RECORD conflict.
func (c *Client) AppendFenced(ctx context.Context, ev Event, expectedLastSeq uint64) (string, error) {
	return c.append(ctx, ev, &expectedLastSeq)
}

func (c *Client) scanPage(ctx context.Context, after uint64) ([]Event, error) {
	url := fmt.Sprintf("%s/events?after=%d&limit=%d", c.cfg.BaseURL, after, c.cfg.PageSize)

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying ledger scan", "attempt", attempt, "after", after, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
					ctx.Err(), "ledger scan canceled")
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		page, err := c.doScan(ctx, url)
		if err == nil {
			return page, nil
		}
		// Deterministic rejections are never retried.
		if kind := provenance.ErrKind(err); kind != "" && kind != provenance.KindNetwork {
			return nil, err
		}
		lastErr = err
	}
	return nil, provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
		lastErr, "ledger unreachable after %d attempts", c.cfg.MaxRetries+1)
}

func (c *Client) doScan(ctx context.Context, url string) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, rejectionError(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(body))
	}
	var page scanPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("malformed scan page: %w", err)
	}
	return page.Events, nil
}

func (c *Client) append(ctx context.Context, ev Event, expectedSeq *uint64) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying ledger append", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
					ctx.Err(), "ledger append canceled")
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ref, err := c.doAppend(ctx, data, expectedSeq)
		if err == nil {
			return ref, nil
		}
		// Deterministic rejections are never retried.
		if kind := provenance.ErrKind(err); kind != "" && kind != provenance.KindNetwork {
			return "", err
		}
		lastErr = err
	}
	return "", provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
		lastErr, "ledger unreachable after %d attempts", c.cfg.MaxRetries+1)
}

func (c *Client) doAppend(ctx context.Context, body []byte, expectedSeq *uint64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if expectedSeq != nil {
		req.Header.Set(ExpectedSeqHeader, strconv.FormatUint(*expectedSeq, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		respBody, _ := io.ReadAll(resp.Body)
		return "", provenance.Errorf(provenance.KindConflict, provenance.CodeStaleRecord,
			"ledger rejected stale append: %s", string(respBody))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		respBody, _ := io.ReadAll(resp.Body)
		return "", rejectionError(resp.StatusCode, respBody)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("malformed append response: %w", err)
	}
	return result.Ref, nil
}

// rejectionError maps a deterministic 4xx ledger response into a typed
// error carrying the rejection reason from the response body.
func rejectionError(status int, body []byte) error {
	reason := strings.TrimSpace(string(body))
	if reason == "" {
		reason = http.StatusText(status)
	}
	kind := provenance.KindValidation
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = provenance.KindAuthorization
	}
	return provenance.Errorf(kind, CodeLedgerRejected, "ledger rejected request: %s", reason)
}
