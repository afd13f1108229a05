// Package marketplace is the HTTP client for the compute marketplace's
// console API: deployment submission, bid polling, lease creation,
// certificates and cleanup, plus the provider failover loop that turns a
// batch of bids into a working lease.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"go.uber.org/zap"
)

const (
	minDepositUSD = 5

	createTimeout = 30 * time.Second
	leaseTimeout  = 30 * time.Second

	pollInterval    = 3 * time.Second
	pollMaxAttempts = 20
	pollWallClock   = 60 * time.Second

	backoffBase = 2 * time.Second
	maxRetries  = 3

	maxBodyBytes = 1 << 20
)

// Client is an authenticated console-API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	probe   *http.Client
	log     *zap.Logger

	// Overridable in tests; production values come from the constants above.
	retryDelay time.Duration
	pollEvery  time.Duration
	pollBudget time.Duration
}

func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second},
		probe:      &http.Client{Timeout: 10 * time.Second},
		log:        log,
		retryDelay: backoffBase,
		pollEvery:  pollInterval,
		pollBudget: pollWallClock,
	}
}

// SetTimings overrides retry and poll pacing. Tests use this to avoid
// real backoff delays.
func (c *Client) SetTimings(retryDelay, pollEvery, pollBudget time.Duration) {
	c.retryDelay = retryDelay
	c.pollEvery = pollEvery
	c.pollBudget = pollBudget
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return b
}

// trimBody keeps a bounded copy of an upstream body for classification and
// operator logs.
func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func (c *Client) retryOpts(op string, extra ...retry.Option) []retry.Option {
	opts := []retry.Option{
		retry.Attempts(maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("retrying marketplace call",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	}
	return append(opts, extra...)
}

// ── Deployments ───────────────────────────────────────────────────────────────

type createDeploymentRequest struct {
	SDL     string  `json:"sdl"`
	Deposit float64 `json:"deposit"`
}

// CreateDeployment submits a descriptor and returns the assigned dseq plus
// the manifest echoed back by the API (needed verbatim for lease creation).
// Deposits below the marketplace minimum are rejected locally, before any
// request is made.
func (c *Client) CreateDeployment(ctx context.Context, sdl string, depositUSD float64) (*CreatedDeployment, error) {
	if depositUSD < minDepositUSD {
		return nil, &InvalidArgumentError{Reason: fmt.Sprintf("deposit must be at least %d USD", minDepositUSD)}
	}

	var out *CreatedDeployment
	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, createTimeout)
		defer cancel()

		resp, err := c.do(callCtx, http.MethodPost, "/v1/deployments", createDeploymentRequest{SDL: sdl, Deposit: depositUSD})
		if err != nil {
			return &Error{Op: "createDeployment", Err: err}
		}
		body := readBody(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &Error{Op: "createDeployment", Status: resp.StatusCode, Body: trimBody(body)}
		}
		var cd CreatedDeployment
		if err := json.Unmarshal(body, &cd); err != nil {
			return &MalformedError{Op: "createDeployment", Reason: "response is not JSON"}
		}
		if cd.DSeq == "" || len(cd.Manifest) == 0 {
			return &MalformedError{Op: "createDeployment", Reason: "missing dseq or manifest"}
		}
		out = &cd
		return nil
	}, c.retryOpts("createDeployment")...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PollForBids polls at a fixed interval and returns the first non-empty
// batch. Transient errors are logged and do not end polling; the clock keeps
// advancing, so a dead API still times the operation out.
func (c *Client) PollForBids(ctx context.Context, dseq string) ([]Bid, error) {
	deadline := time.Now().Add(c.pollBudget)
	for attempt := 1; attempt <= pollMaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		bids, err := c.fetchBids(ctx, dseq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("bid poll attempt failed",
				zap.String("dseq", dseq),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if len(bids) > 0 {
			return bids, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollEvery):
		}
	}
	return nil, &TimeoutError{Op: "pollForBids"}
}

func (c *Client) fetchBids(ctx context.Context, dseq string) ([]Bid, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/bids?dseq="+dseq, nil)
	if err != nil {
		return nil, &Error{Op: "pollForBids", DSeq: dseq, Err: err}
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "pollForBids", Status: resp.StatusCode, DSeq: dseq, Body: trimBody(body)}
	}
	var out struct {
		Bids []Bid `json:"bids"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &MalformedError{Op: "pollForBids", Reason: "response is not JSON"}
	}
	return out.Bids, nil
}

// ── Leases ────────────────────────────────────────────────────────────────────

type createLeaseRequest struct {
	Manifest json.RawMessage `json:"manifest"`
	DSeq     string          `json:"dseq"`
	Bid      Bid             `json:"bid"`
}

// CreateLease accepts a bid. 429/503/504 and retryable transport errors go
// through backoff; a provider-unavailable classification is surfaced
// immediately so the failover loop can move to the next bid.
func (c *Client) CreateLease(ctx context.Context, manifest json.RawMessage, dseq string, bid Bid) (*Lease, error) {
	var lease *Lease
	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, leaseTimeout)
		defer cancel()

		resp, err := c.do(callCtx, http.MethodPost, "/v1/leases", createLeaseRequest{Manifest: manifest, DSeq: dseq, Bid: bid})
		if err != nil {
			return &Error{Op: "createLease", DSeq: dseq, Provider: bid.Provider, Err: err}
		}
		body := readBody(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &Error{Op: "createLease", Status: resp.StatusCode, DSeq: dseq, Provider: bid.Provider, Body: trimBody(body)}
		}
		var l Lease
		if err := json.Unmarshal(body, &l); err != nil {
			return &MalformedError{Op: "createLease", Reason: "response is not JSON"}
		}
		if l.Provider == "" {
			l.Provider = bid.Provider
		}
		if l.DSeq == "" {
			l.DSeq = dseq
		}
		lease = &l
		return nil
	}, c.retryOpts("createLease", retry.RetryIf(func(err error) bool {
		return IsRetryable(err) && !IsProviderUnavailable(err)
	}))...)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ── Providers ─────────────────────────────────────────────────────────────────

// GetProviderDetails returns nil, nil for an unknown provider.
func (c *Client) GetProviderDetails(ctx context.Context, addr string) (*Provider, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/providers/"+addr, nil)
	if err != nil {
		return nil, &Error{Op: "getProviderDetails", Provider: addr, Err: err}
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "getProviderDetails", Status: resp.StatusCode, Provider: addr, Body: trimBody(body)}
	}
	var p Provider
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &MalformedError{Op: "getProviderDetails", Reason: "response is not JSON"}
	}
	return &p, nil
}

// CheckProviderHealth probes {uri}/status. Advisory only: any failure is
// reported as unhealthy and logged, never raised.
func (c *Client) CheckProviderHealth(ctx context.Context, uri string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(uri, "/")+"/status", nil)
	if err != nil {
		c.log.Warn("provider health probe: bad uri", zap.String("uri", uri), zap.Error(err))
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		c.log.Warn("provider health probe failed", zap.String("uri", uri), zap.Error(err))
		return false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("provider health probe: non-2xx", zap.String("uri", uri), zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// ── Certificates ──────────────────────────────────────────────────────────────

func (c *Client) ListCertificates(ctx context.Context) ([]Certificate, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/certificates", nil)
	if err != nil {
		return nil, &Error{Op: "listCertificates", Err: err}
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "listCertificates", Status: resp.StatusCode, Body: trimBody(body)}
	}
	var certs []Certificate
	if err := json.Unmarshal(body, &certs); err != nil {
		return nil, &MalformedError{Op: "listCertificates", Reason: "response is not JSON"}
	}
	return certs, nil
}

func hasValidCertificate(certs []Certificate) bool {
	for _, cert := range certs {
		if cert.State == "valid" {
			return true
		}
	}
	return false
}

// EnsureCertificate makes sure a valid mTLS certificate exists for the
// operator wallet. Certificates are optional for lease creation, so this is
// strictly best-effort: every outcome returns true, problems are logged.
// The console API is known to answer duplicate creates with an HTML error
// page, hence the pessimistic re-list when the create response is not JSON.
func (c *Client) EnsureCertificate(ctx context.Context) bool {
	certs, err := c.ListCertificates(ctx)
	if err != nil {
		c.log.Warn("certificate list failed", zap.Error(err))
	} else if hasValidCertificate(certs) {
		return true
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/certificates", nil)
	if err != nil {
		c.log.Warn("certificate create failed", zap.Error(err))
		return true
	}
	body := readBody(resp)

	var created Certificate
	jsonOK := json.Unmarshal(body, &created) == nil
	created2xx := resp.StatusCode >= 200 && resp.StatusCode < 300

	if created2xx && jsonOK {
		return true
	}
	if !jsonOK || strings.Contains(string(body), "already exists") {
		certs, err := c.ListCertificates(ctx)
		if err == nil && hasValidCertificate(certs) {
			return true
		}
	}
	c.log.Warn("certificate create: best-effort outcome",
		zap.Int("status", resp.StatusCode),
		zap.String("body", trimBody(body)),
	)
	return true
}

// ── Cleanup ───────────────────────────────────────────────────────────────────

// CloseDeployment releases a marketplace deployment's deposit. Closing a
// deployment that is already gone (404/410) is success.
func (c *Client) CloseDeployment(ctx context.Context, dseq string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/deployments/"+dseq, nil)
	if err != nil {
		return &Error{Op: "closeDeployment", DSeq: dseq, Err: err}
	}
	body := readBody(resp)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil
	default:
		return &Error{Op: "closeDeployment", Status: resp.StatusCode, DSeq: dseq, Body: trimBody(body)}
	}
}

// ListOpenDeployments enumerates deployments still open under the operator
// wallet, used to harvest zombies left by failed attempts.
func (c *Client) ListOpenDeployments(ctx context.Context) ([]OpenDeployment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/deployments", nil)
	if err != nil {
		return nil, &Error{Op: "listOpenDeployments", Err: err}
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "listOpenDeployments", Status: resp.StatusCode, Body: trimBody(body)}
	}
	var out struct {
		Deployments []OpenDeployment `json:"deployments"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &MalformedError{Op: "listOpenDeployments", Reason: "response is not JSON"}
	}
	return out.Deployments, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }
