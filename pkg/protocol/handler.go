package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes a JSON-RPC request and returns a result or error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// Handler routes JSON-RPC methods to registered handler functions.
type Handler struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandler creates an empty method handler.
func NewHandler() *Handler {
	return &Handler{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a handler for a method. Overwrites any existing handler.
func (h *Handler) Register(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = fn
}

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version", nil)
	}

	h.mu.RLock()
	fn, ok := h.handlers[req.Method]
	h.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	result, rpcErr := fn(ctx, req.Params)
	if rpcErr != nil {
		return Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   rpcErr,
		}
	}

	return NewResponse(req.ID, result)
}

// HandleRaw parses raw JSON bytes as a request and processes it. The second
// result is false for notifications (no id), which get no reply. Parse errors
// are always replied to.
func (h *Handler) HandleRaw(ctx context.Context, data []byte) (Response, bool) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil), true
	}
	resp := h.Handle(ctx, req)
	return resp, req.ID != nil
}

// maxInFlight bounds how many requests Serve handles at once.
const maxInFlight = 64

// Serve reads newline-delimited requests from r until r is exhausted or ctx
// is cancelled. Each request is handled on its own goroutine, so replies may
// be written out of request order; clients match them by id. Notifications
// (requests without an id) get no reply. Serve waits for in-flight requests
// before returning.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB max line

	var (
		mu      sync.Mutex
		encoder = json.NewEncoder(w)
	)
	write := func(resp Response) error {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(maxInFlight)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		data := []byte(line)
		g.Go(func() error {
			resp, reply := h.HandleRaw(ctx, data)
			if !reply {
				return nil
			}
			return write(resp)
		})
	}

	werr := g.Wait()
	if ctx.Err() != nil {
		return werr
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return werr
}

// Methods returns all registered method names, sorted.
func (h *Handler) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	methods := make([]string, 0, len(h.handlers))
	for m := range h.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// ParseParams is a helper to unmarshal JSON-RPC params into a typed struct.
func ParseParams[T any](params json.RawMessage) (T, *Error) {
	var p T
	if len(params) == 0 || string(params) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return p, nil
}
