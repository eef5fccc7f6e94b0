// Package githubpool files feedback reports as GitHub issues.
package githubpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v60/github"

	"github.com/panll/ensaid/pkg/feedback"
)

// Pool creates one issue per report in a single repository.
type Pool struct {
	client *gh.Client
	owner  string
	repo   string
	labels []string
}

// New creates a Pool authenticating with token against owner/repo.
func New(token, owner, repo string, labels ...string) (*Pool, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	httpClient := &http.Client{
		Transport: &tokenTransport{token: token},
	}
	return NewWithClient(gh.NewClient(httpClient), owner, repo, labels...), nil
}

// NewWithClient wraps an existing client. Used by tests pointing at a fake API.
func NewWithClient(client *gh.Client, owner, repo string, labels ...string) *Pool {
	if len(labels) == 0 {
		labels = []string{"feedback"}
	}
	return &Pool{client: client, owner: owner, repo: repo, labels: labels}
}

// tokenTransport adds Bearer token auth to HTTP requests.
type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// Submit opens an issue for r and returns its URL.
func (p *Pool) Submit(ctx context.Context, r feedback.Report) (string, error) {
	title := fmt.Sprintf("[%s] feedback #%d", r.Type, r.LocalID)
	body := renderBody(r)

	labels := make([]string, 0, len(p.labels)+1)
	labels = append(labels, p.labels...)
	labels = append(labels, strings.ToLower(string(r.Type)))

	issue, _, err := p.client.Issues.Create(ctx, p.owner, p.repo, &gh.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return "", classify(err)
	}
	return issue.GetHTMLURL(), nil
}

// classify marks errors worth retrying later as feedback.ErrUnreachable.
func classify(err error) error {
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
		urlErr   *url.Error
		netErr   net.Error
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return fmt.Errorf("%w: github rate limited: %w", feedback.ErrUnreachable, err)
	case errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode >= 500:
		return fmt.Errorf("%w: github %d: %w", feedback.ErrUnreachable, respErr.Response.StatusCode, err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", feedback.ErrUnreachable, err)
	default:
		return fmt.Errorf("github issue create: %w", err)
	}
}

func renderBody(r feedback.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report type: **%s**\n", r.Type)
	fmt.Fprintf(&b, "Reported at: %s\n", r.Timestamp.UTC().Format(time.RFC3339))
	if r.Origin != "" {
		fmt.Fprintf(&b, "Origin: `%s`\n", r.Origin)
	}
	for _, pane := range []struct{ name, state string }{
		{"L", r.PaneL},
		{"N", r.PaneN},
		{"W", r.PaneW},
	} {
		fmt.Fprintf(&b, "\n### Pane %s\n\n```text\n%s\n```\n", pane.name, pane.state)
	}
	return b.String()
}
