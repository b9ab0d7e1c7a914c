// Package webhook dispatches a JSON notification to an operator-configured
// URL whenever the grouper sees a new error group, guarded against SSRF by
// rejecting private and reserved destinations both before the request and
// again at DNS-resolution time.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/errly-io/errly/pkg/models"
)

const dispatchTimeout = 5 * time.Second

// webhookURLSetting is the Setting key an operator writes (through the
// external settings CRUD surface) to configure the notification target.
const webhookURLSetting = "webhookUrl"

// payload is the wire shape POSTed to the configured URL.
type payload struct {
	Type      string         `json:"type"`
	Error     models.Summary `json:"error"`
	Timestamp int64          `json:"timestamp"`
}

// SettingsStore is the narrow read port onto the Setting key-value store
// the dispatcher needs: just enough to re-read the webhook URL on every
// dispatch, since an operator may change or clear it at any time.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Dispatcher POSTs new-error notifications to the operator-configured
// webhookUrl setting. Satisfies grouper.WebhookDispatcher.
type Dispatcher struct {
	settings SettingsStore
}

// New returns a Dispatcher reading its target URL from settings on every
// dispatch. An unset or empty webhookUrl setting makes DispatchNewError a
// no-op, which lets callers always wire a Dispatcher regardless of whether
// the operator has configured a webhook yet.
func New(settings SettingsStore) *Dispatcher {
	return &Dispatcher{settings: settings}
}

// DispatchNewError re-reads the configured URL, validates it against SSRF
// rules, and if it passes POSTs the notification. Failures are logged at
// warn and swallowed: this path is fire-and-forget by design.
func (d *Dispatcher) DispatchNewError(ctx context.Context, summary models.Summary) {
	url, ok, err := d.settings.GetSetting(ctx, webhookURLSetting)
	if err != nil || !ok || url == "" {
		return
	}

	if err := ValidateURL(url); err != nil {
		slog.Warn("webhook url failed validation", "url", url, "err", err)
		return
	}

	if err := d.send(ctx, url, summary); err != nil {
		slog.Warn("webhook dispatch failed", "url", url, "err", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, rawURL string, summary models.Summary) error {
	u, err := parseWebhookURL(rawURL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}

	// Resolve and check the destination immediately before dialing, then
	// pin the request to that exact address. Revalidating in ValidateURL
	// earlier and letting the HTTP client re-resolve independently here
	// would leave a window for DNS rebinding between the two lookups.
	pinnedIP, err := resolvePinnedIP(ctx, u.hostname)
	if err != nil {
		return fmt.Errorf("resolve webhook host: %w", err)
	}

	body, err := json.Marshal(payload{
		Type:      "new-error",
		Error:     summary,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout:   dispatchTimeout,
		Transport: pinnedTransport(pinnedIP),
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// resolvePinnedIP is pinIP by default; tests that need to dispatch to a
// loopback-bound test server override it rather than weakening the real
// SSRF check.
var resolvePinnedIP = pinIP

// pinIP resolves host to a single safe address, rejecting it (and any
// sibling answer) if any resolved address falls in a blocked range. The
// returned IP is what the request actually dials, closing the gap between
// validation and connection that an attacker could otherwise exploit by
// changing the answer DNS returns between the two lookups.
func pinIP(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return "", fmt.Errorf("webhook host %s is a private or reserved address", host)
		}
		return ip.String(), nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(resolveCtx, "ip", host)
	if err != nil {
		return "", fmt.Errorf("resolve webhook host %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("webhook host %s resolved to no addresses", host)
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return "", fmt.Errorf("webhook host %s resolved to private or reserved address %s", host, ip)
		}
	}
	return ips[0].String(), nil
}

// pinnedTransport dials pinnedIP for every connection regardless of what
// the request's URL host resolves to, while TLS verification (SNI and
// certificate hostname checks) still uses the original hostname, since
// only the dial target is overridden.
func pinnedTransport(pinnedIP string) *http.Transport {
	dialer := &net.Dialer{Timeout: dispatchTimeout}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split dial address %s: %w", addr, err)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinnedIP, port))
		},
	}
}

var privateV4Blocks = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
)

var privateV6Blocks = mustParseCIDRs(
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhook: invalid CIDR literal %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// isBlockedIP reports whether ip falls in any private/reserved/loopback
// range that a webhook destination must never resolve to.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	blocks := privateV4Blocks
	if ip.To4() == nil {
		blocks = privateV6Blocks
	}
	for _, n := range blocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL checks the webhook URL's scheme and resolves its hostname,
// rejecting it if it falls in a private/reserved range. This is an
// up-front check for settings the operator is about to save; the
// dispatch path re-resolves and pins the address again immediately
// before connecting (see pinIP) since DNS can change in between.
func ValidateURL(rawURL string) error {
	u, err := parseWebhookURL(rawURL)
	if err != nil {
		return err
	}

	if u.hostname == "localhost" {
		return fmt.Errorf("webhook host %q is not allowed", u.hostname)
	}

	_, err = pinIP(context.Background(), u.hostname)
	return err
}

type webhookURL struct {
	scheme   string
	hostname string
}

func parseWebhookURL(rawURL string) (webhookURL, error) {
	parsed, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return webhookURL{}, fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := parsed.URL.Scheme
	if scheme != "http" && scheme != "https" {
		return webhookURL{}, fmt.Errorf("webhook url scheme must be http or https, got %q", scheme)
	}
	host := parsed.URL.Hostname()
	if host == "" {
		return webhookURL{}, fmt.Errorf("webhook url has no host")
	}
	return webhookURL{scheme: scheme, hostname: host}, nil
}
