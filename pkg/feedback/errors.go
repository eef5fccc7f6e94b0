package feedback

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput is matched by *InvalidInputError.
	ErrInvalidInput = errors.New("invalid feedback input")

	// ErrTransport is matched by *TransportError.
	ErrTransport = errors.New("feedback transport error")

	// ErrUnreachable is returned by pools that cannot reach the remote side
	// right now. The sink keeps such reports queued and retries them.
	ErrUnreachable = errors.New("feedback pool unreachable")

	// ErrDropped is the cause when a queued report is evicted to make room.
	ErrDropped = errors.New("dropped from pending queue")
)

// InvalidInputError rejects a report the caller must correct.
type InvalidInputError struct {
	Field string
	Value string
}

func (e *InvalidInputError) Error() string {
	names := make([]string, len(ReportTypes))
	for i, t := range ReportTypes {
		names[i] = string(t)
	}
	return fmt.Sprintf("invalid %s %q: expected one of %s", e.Field, e.Value, strings.Join(names, ", "))
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// TransportError wraps a failure to hand a report to the pool.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("feedback %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
