package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	handshakeTimeout = 30 * time.Second

	// Tunnelled messages are opaque; allow far more than the library
	// default before tearing a tunnel down.
	maxMessageBytes = 32 << 20
)

// WebSocketOptions tune a single WebSocket relay operation.
type WebSocketOptions struct {
	// Subprotocols offered to the upstream. Defaults to whatever the
	// inbound client offered.
	Subprotocols []string
	// DropQuery stops the inbound query string from being appended.
	DropQuery bool
	// AdditionalHeaders are merged into the outbound handshake headers.
	AdditionalHeaders http.Header
	// OverrideHeaders replaces the forwarding metadata entirely.
	OverrideHeaders http.Header
}

// ForwardWebSocket tunnels the inbound WebSocket connection to
// origin+path. The outbound handshake happens first so the inbound
// side is accepted with the subprotocol the upstream actually
// negotiated. When the outbound connect fails the inbound connection
// is accepted only to deliver an internal-error close code; no message
// loops are started.
func (e *Engine) ForwardWebSocket(w http.ResponseWriter, r *http.Request, origin, path string, opts *WebSocketOptions) error {
	if opts == nil {
		opts = &WebSocketOptions{}
	}

	target := joinTarget(origin, path)
	if !opts.DropQuery {
		target = appendQuery(target, r.URL.RawQuery)
	}
	target = toWebSocketScheme(target)

	headers := tunnelHeaders(r, opts.OverrideHeaders, opts.AdditionalHeaders)

	subprotocols := opts.Subprotocols
	if subprotocols == nil {
		subprotocols = offeredSubprotocols(r)
	}

	dialCtx, cancelDial := context.WithTimeout(r.Context(), handshakeTimeout)
	upstreamConn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient:   e.dialClient(),
		HTTPHeader:   headers,
		Subprotocols: subprotocols,
	})
	cancelDial()
	if err != nil {
		e.closeRejected(w, r, "upstream connect failed")
		return fmt.Errorf("relay: websocket dial %s: %w", target, err)
	}
	defer upstreamConn.Close(websocket.StatusGoingAway, "tunnel closed")

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: []string{"*"}}
	if negotiated := upstreamConn.Subprotocol(); negotiated != "" {
		acceptOpts.Subprotocols = []string{negotiated}
	}
	inbound, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return fmt.Errorf("relay: websocket accept: %w", err)
	}
	// The inbound side is closed in a final cleanup step no matter how
	// the tunnel terminated.
	defer inbound.Close(websocket.StatusNormalClosure, "")

	inbound.SetReadLimit(maxMessageBytes)
	upstreamConn.SetReadLimit(maxMessageBytes)

	// Two independent pump loops; the first to finish cancels the
	// other through the group context, then both are awaited.
	group, ctx := errgroup.WithContext(r.Context())
	group.Go(func() error {
		return pump(ctx, inbound, upstreamConn)
	})
	group.Go(func() error {
		return pump(ctx, upstreamConn, inbound)
	})

	if err := group.Wait(); err != nil && !isTunnelShutdown(err) {
		return fmt.Errorf("relay: websocket tunnel %s: %w", target, err)
	}
	return nil
}

// pump shuttles messages one way, preserving text/binary framing.
func pump(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

// dialClient returns the shared client, stripped of any global timeout
// which would tear down long-lived tunnels mid-flight.
func (e *Engine) dialClient() *http.Client {
	if e.client == nil {
		return nil
	}
	if e.client.Timeout == 0 {
		return e.client
	}
	return &http.Client{Transport: e.client.Transport}
}

// closeRejected completes the inbound handshake only to deliver the
// internal-error close code.
func (e *Engine) closeRejected(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	if err := conn.Close(websocket.StatusInternalError, reason); err != nil {
		e.logger.Debug("failed to close rejected connection",
			slog.String("error", err.Error()))
	}
}

// CloseUnavailable rejects an inbound upgrade for which no target
// could be resolved, with an internal-error close code.
func (e *Engine) CloseUnavailable(w http.ResponseWriter, r *http.Request) {
	e.closeRejected(w, r, "no upstream available")
}

func isTunnelShutdown(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// tunnelHeaders builds the outbound handshake headers. Unlike the HTTP
// leg the inbound headers are not copied wholesale: handshake-owned
// headers belong to the dialer.
func tunnelHeaders(r *http.Request, override, additional http.Header) http.Header {
	var headers http.Header

	if override != nil {
		headers = override.Clone()
	} else {
		headers = http.Header{}
		clientIP := clientAddr(r)
		headers.Set("X-Real-IP", clientIP)
		headers.Set("X-Forwarded-For", clientIP)
		headers.Set("X-Forwarded-Proto", requestScheme(r))
		headers.Set("X-Forwarded-Host", requestHost(r))
	}

	for name, values := range additional {
		headers[http.CanonicalHeaderKey(name)] = values
	}

	// The dialer writes its own handshake; stray copies would corrupt
	// it.
	for _, name := range []string{
		"Host", "Connection", "Upgrade",
		"Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Protocol", "Sec-Websocket-Extensions",
	} {
		headers.Del(name)
	}
	return headers
}

// IsWebSocketUpgrade reports whether the inbound request asks for a
// WebSocket upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func toWebSocketScheme(target string) string {
	switch {
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://")
	}
	return target
}

func offeredSubprotocols(r *http.Request) []string {
	var offered []string
	for _, line := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			if p = strings.TrimSpace(p); p != "" {
				offered = append(offered, p)
			}
		}
	}
	return offered
}
