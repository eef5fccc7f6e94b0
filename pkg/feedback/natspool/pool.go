// Package natspool forwards feedback reports over NATS request/reply.
package natspool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/panll/ensaid/pkg/feedback"
)

// DefaultSubject is the subject reports are published on when none is set.
const DefaultSubject = "panll.feedback"

// Requester is the subset of *nats.Conn the pool needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Message is the wire form of a report.
type Message struct {
	LocalID    uint64    `json:"local_id"`
	Origin     string    `json:"origin"`
	ReportType string    `json:"report_type"`
	Timestamp  time.Time `json:"timestamp"`
	PaneL      string    `json:"pane_l_state"`
	PaneN      string    `json:"pane_n_state"`
	PaneW      string    `json:"pane_w_state"`
}

// Reply is what a collector answers with.
type Reply struct {
	Receipt string `json:"receipt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Pool sends one request per report and waits for the collector's reply.
type Pool struct {
	conn    Requester
	subject string
	timeout time.Duration
	owned   *nats.Conn
}

// Dial connects to url and returns a pool owning the connection.
func Dial(url, subject string, timeout time.Duration) (*Pool, error) {
	nc, err := nats.Connect(url,
		nats.Name("panll-feedback"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := New(nc, subject, timeout)
	p.owned = nc
	return p, nil
}

// New wraps an existing connection.
func New(conn Requester, subject string, timeout time.Duration) *Pool {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pool{conn: conn, subject: subject, timeout: timeout}
}

// Close drains the connection when the pool created it.
func (p *Pool) Close() error {
	if p.owned == nil {
		return nil
	}
	return p.owned.Drain()
}

// Submit publishes r and returns the collector's receipt.
func (p *Pool) Submit(ctx context.Context, r feedback.Report) (string, error) {
	data, err := json.Marshal(Encode(r))
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.conn.RequestWithContext(reqCtx, p.subject, data)
	if err != nil {
		return "", classify(err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode collector reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("collector: %s", reply.Error)
	}
	if reply.Receipt == "" {
		return fmt.Sprintf("nats:%s:%d", r.Origin, r.LocalID), nil
	}
	return reply.Receipt, nil
}

// Encode converts a report to its wire form.
func Encode(r feedback.Report) Message {
	return Message{
		LocalID:    r.LocalID,
		Origin:     r.Origin,
		ReportType: string(r.Type),
		Timestamp:  r.Timestamp,
		PaneL:      r.PaneL,
		PaneN:      r.PaneN,
		PaneW:      r.PaneW,
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: nats request: %w", feedback.ErrUnreachable, err)
	default:
		return fmt.Errorf("nats request: %w", err)
	}
}
