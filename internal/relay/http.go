package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	// DefaultTimeout bounds a single upstream exchange end to end.
	DefaultTimeout = 60 * time.Second

	streamBufferSize = 32 * 1024
)

// Engine relays inbound traffic to a resolved target origin. The
// shared transport client is owned by the surrounding application
// lifecycle; when none is supplied each operation creates, uses and
// releases its own pooled fallback.
type Engine struct {
	client *http.Client
	logger *slog.Logger
}

// NewEngine creates a forwarding engine. client may be nil.
func NewEngine(client *http.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, logger: logger}
}

// Options tune a single HTTP relay operation. The zero value forwards
// the inbound method, query string and streamed body unchanged.
type Options struct {
	// Method overrides the inbound request method.
	Method string
	// DropQuery stops the inbound query string from being appended to
	// the target.
	DropQuery bool
	// AdditionalHeaders are merged into the outbound headers after
	// defaulting (or after an override) and win on conflict.
	AdditionalHeaders http.Header
	// OverrideHeaders replaces the inbound headers entirely; no
	// forwarding metadata is added.
	OverrideHeaders http.Header
	// OverrideBody replaces the streamed inbound body.
	OverrideBody []byte
	// Timeout bounds the whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration
}

// methods with no body semantics; their inbound body is never streamed
// upstream.
func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// Forward relays the inbound request to origin+path and streams the
// upstream response back without buffering either body. The upstream
// response is released on every exit path, including cancellation.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, origin, path string, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}

	target := joinTarget(origin, path)
	if !opts.DropQuery {
		target = appendQuery(target, r.URL.RawQuery)
	}

	method := opts.Method
	if method == "" {
		method = r.Method
	}

	var body io.Reader
	switch {
	case opts.OverrideBody != nil:
		body = bytes.NewReader(opts.OverrideBody)
	case methodHasBody(method):
		body = r.Body
	}

	client := e.client
	if client == nil {
		// Fallback client is exclusively owned by this operation.
		client = cleanhttp.DefaultPooledClient()
		defer client.CloseIdleConnections()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("relay: build upstream request: %w", err)
	}
	req.Header = forwardHeaders(r, opts.OverrideHeaders, opts.AdditionalHeaders)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: upstream request to %s: %w", target, err)
	}
	defer resp.Body.Close()

	header := w.Header()
	copyResponseHeaders(header, resp.Header)
	header.Set("X-Accel-Buffering", "no")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	if err := streamBody(w, resp.Body); err != nil {
		return fmt.Errorf("relay: stream response from %s: %w", target, err)
	}
	return nil
}

// streamBody copies upstream bytes to the caller chunk by chunk,
// flushing after every write so streaming responses arrive as they are
// produced.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
