// Package platform is the HTTP + streaming transport to the hosting
// platform's API, wrapped in a three-state circuit breaker, rate-limit
// accounting, and an auth-error latch.
package platform

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors, classified from transport-level failures the same way
// the platform's own Loki client classifies them.
var (
	ErrUnreachable  = errors.New("platform unreachable")
	ErrTimeout      = errors.New("platform request timeout")
	ErrAuth         = errors.New("platform authentication error")
	ErrRateLimited  = errors.New("platform rate limited")
	ErrBreakerOpen  = errors.New("circuit breaker open")
	ErrAuthLatched  = errors.New("auth error latched, refusing requests")
)

const requestTimeout = 30 * time.Second

// DeploymentStatus is the subset of platform deployment lifecycle states
// that count as "active" for discovery purposes.
type DeploymentStatus string

const (
	StatusSuccess      DeploymentStatus = "SUCCESS"
	StatusDeploying    DeploymentStatus = "DEPLOYING"
	StatusInitializing DeploymentStatus = "INITIALIZING"
	StatusBuilding     DeploymentStatus = "BUILDING"
	StatusWaiting      DeploymentStatus = "WAITING"
	StatusSleeping     DeploymentStatus = "SLEEPING"
)

var activeStatuses = map[DeploymentStatus]bool{
	StatusSuccess: true, StatusDeploying: true, StatusInitializing: true,
	StatusBuilding: true, StatusWaiting: true, StatusSleeping: true,
}

func IsActive(s DeploymentStatus) bool { return activeStatuses[s] }

// Deployment describes one active deployment as reported by discovery.
type Deployment struct {
	ID          string
	Service     string
	Environment string
	Status      DeploymentStatus
}

// LogLine is one line delivered over a streaming subscription.
type LogLine struct {
	Message  string
	Severity string // platform-reported line-level severity, may be empty
	Ts       time.Time
}

// Client is the process-wide singleton wrapping the breaker, rate-limit
// tracker, and HTTP transport described in the design notes as
// "process-wide singletons re-expressed as PlatformClient members".
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	breaker   *breaker
	rateLimit *rateLimitTracker
	authError atomic.Bool
}

// New constructs a Client. token is the bearer credential used against the
// platform's GraphQL/REST surface; baseURL is the platform API root.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    newBreaker(),
		rateLimit:  newRateLimitTracker(),
	}
}

// SetToken lets an operator clear the auth latch by supplying a fresh
// token without re-creating the client.
func (c *Client) SetToken(token string) {
	c.token = token
	c.authError.Store(false)
}

// Diagnostics exposes breaker/rate-limit state for the diagnostics endpoint.
type Diagnostics struct {
	BreakerState      string
	AuthLatched       bool
	RateLimitRemain   int
	RateLimitResetsAt time.Time
}

// RateLimitRemainingFraction reports remaining/limit in [0,1] from the last
// observed platform response headers, for the log watcher's adaptive
// discovery cadence.
func (c *Client) RateLimitRemainingFraction() float64 {
	return c.rateLimit.RemainingFraction()
}

func (c *Client) Diagnostics() Diagnostics {
	remain, resetsAt := c.rateLimit.Snapshot()
	return Diagnostics{
		BreakerState:      c.breaker.State(),
		AuthLatched:       c.authError.Load(),
		RateLimitRemain:   remain,
		RateLimitResetsAt: resetsAt,
	}
}

// doRequest implements the request lifecycle: refuse if breaker open,
// refuse if authError latched, refuse if rate-limited, otherwise send and
// classify the result against breaker/latch/rate-limit state.
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, ErrBreakerOpen
	}
	if c.authError.Load() {
		return nil, ErrAuthLatched
	}
	if c.rateLimit.IsLimited() {
		return nil, ErrRateLimited
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, classifyTransportError(err)
	}

	c.rateLimit.Observe(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.authError.Store(true)
		resp.Body.Close()
		return nil, ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		resp.Body.Close()
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.breaker.RecordFailure()
		resp.Body.Close()
		return nil, fmt.Errorf("platform client error: status %d", resp.StatusCode)
	default:
		c.breaker.RecordSuccess()
		return resp, nil
	}
}

// DiscoverDeployments queries the platform for the project's active
// deployment set.
func (c *Client) DiscoverDeployments(ctx context.Context, projectID string) ([]Deployment, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/deployments", c.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Deployments []struct {
			ID          string `json:"id"`
			Service     string `json:"service"`
			Environment string `json:"environment"`
			Status      string `json:"status"`
		} `json:"deployments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}

	out := make([]Deployment, 0, len(payload.Deployments))
	for _, d := range payload.Deployments {
		out = append(out, Deployment{
			ID:          d.ID,
			Service:     d.Service,
			Environment: d.Environment,
			Status:      DeploymentStatus(d.Status),
		})
	}
	return out, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Streaming ---

// LogStream is the lazy sequence of log-line batches described in the
// design notes: the consumer drains Next cooperatively until it chooses
// to Close.
type LogStream struct {
	deploymentID string
	resp         *http.Response
	scanner      *bufio.Scanner
	closeOnce    sync.Once
}

// Subscribe opens a long-lived streaming read of a deployment's logs,
// framed as newline-delimited JSON over a chunked HTTP response.
func (c *Client) Subscribe(ctx context.Context, deploymentID string) (*LogStream, error) {
	url := fmt.Sprintf("%s/v1/deployments/%s/logs/stream", c.baseURL, deploymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	return &LogStream{
		deploymentID: deploymentID,
		resp:         resp,
		scanner:      bufio.NewScanner(resp.Body),
	}, nil
}

// Next blocks until a batch of one or more lines is available, the stream
// ends, or ctx is cancelled.
func (s *LogStream) Next(ctx context.Context) ([]LogLine, bool, error) {
	type result struct {
		lines []LogLine
		ok    bool
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		var batch []LogLine
		for s.scanner.Scan() {
			var raw struct {
				Message  string `json:"message"`
				Severity string `json:"severity"`
				Ts       int64  `json:"ts"`
			}
			if err := json.Unmarshal(s.scanner.Bytes(), &raw); err != nil {
				continue
			}
			batch = append(batch, LogLine{
				Message:  raw.Message,
				Severity: raw.Severity,
				Ts:       time.Unix(0, raw.Ts*int64(time.Millisecond)),
			})
			if len(batch) >= 50 {
				break
			}
		}
		if len(batch) > 0 {
			ch <- result{lines: batch, ok: true}
			return
		}
		if err := s.scanner.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{ok: false}
	}()

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		return r.lines, r.ok, r.err
	}
}

// Close signals the producer to stop (calls return() on the lazy
// sequence, in the terms of the design notes) and releases the
// underlying connection.
func (s *LogStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.resp.Body.Close()
	})
	return err
}

// ReconnectBackoff computes the delay before the (attempt+1)th reconnect,
// exponential doubling from 1s capped at 60s, giving up after 10 attempts.
func ReconnectBackoff(attempt int) (time.Duration, bool) {
	const maxAttempts = 10
	if attempt >= maxAttempts {
		return 0, false
	}
	d := time.Second << attempt
	if d > 60*time.Second || d <= 0 {
		d = 60 * time.Second
	}
	return d, true
}
