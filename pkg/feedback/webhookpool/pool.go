// Package webhookpool posts feedback reports as JSON to an HTTP endpoint.
package webhookpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/panll/ensaid/pkg/feedback"
)

// maxReplySize caps how much of a reply body is read.
const maxReplySize = 64 * 1024

// Pool posts one request per report.
type Pool struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// Option configures a Pool.
type Option func(*Pool)

// WithHeaders adds headers to every request, e.g. an Authorization token.
func WithHeaders(h map[string]string) Option {
	return func(p *Pool) {
		for k, v := range h {
			p.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) { p.httpClient = c }
}

// New creates a pool posting to rawURL. When allowedDomains is non-empty the
// URL's host must be one of them.
func New(rawURL string, allowedDomains []string, opts ...Option) (*Pool, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("webhook pool: url is required")
	}
	if err := checkAllowedDomain(rawURL, allowedDomains); err != nil {
		return nil, fmt.Errorf("webhook pool: %w", err)
	}
	p := &Pool{
		url:        rawURL,
		headers:    make(map[string]string),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type reply struct {
	Receipt string `json:"receipt"`
	Error   string `json:"error"`
}

// Submit posts r. 5xx, 429 and network failures are ErrUnreachable so the
// sink keeps the report queued; other non-2xx replies fail the report.
func (p *Pool) Submit(ctx context.Context, r feedback.Report) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", fmt.Errorf("%w: read reply: %w", feedback.ErrUnreachable, err)
	}

	var rep reply
	_ = json.Unmarshal(data, &rep)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: webhook returned %s", feedback.ErrUnreachable, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := rep.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("webhook rejected report: %s", msg)
	}

	if rep.Receipt != "" {
		return rep.Receipt, nil
	}
	return fmt.Sprintf("webhook:%s:%d", r.Origin, r.LocalID), nil
}

func classify(err error) error {
	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: webhook request: %w", feedback.ErrUnreachable, err)
	}
	return fmt.Errorf("webhook request: %w", err)
}

// checkAllowedDomain verifies the URL's host is in the allowlist. Entries are
// exact hosts or "*.suffix", which matches any subdomain of suffix but not
// suffix itself. An empty allowlist permits all.
func checkAllowedDomain(rawURL string, allowedDomains []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if len(allowedDomains) == 0 {
		return nil
	}

	host := strings.ToLower(parsed.Hostname())
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if suffix, ok := strings.CutPrefix(d, "*."); ok {
			if suffix != "" && strings.HasSuffix(host, "."+suffix) {
				return nil
			}
			continue
		}
		if host == d {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not in the allowed list", host)
}
