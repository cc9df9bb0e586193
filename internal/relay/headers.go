package relay

import (
	"net"
	"net/http"
	"strings"
)

// Hop-by-hop headers are meaningful for a single network hop only and
// are stripped on both legs of the relay.
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/TE
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardHeaders builds the outbound request headers. Without an
// override it copies the inbound headers and records the forwarding
// metadata; with an override no defaulting happens at all. Additional
// headers are merged last in either case.
func forwardHeaders(r *http.Request, override, additional http.Header) http.Header {
	var headers http.Header

	if override != nil {
		headers = override.Clone()
	} else {
		headers = r.Header.Clone()

		clientIP := clientAddr(r)
		headers.Set("X-Real-IP", clientIP)
		if prior := headers.Get("X-Forwarded-For"); prior != "" {
			headers.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			headers.Set("X-Forwarded-For", clientIP)
		}
		headers.Set("X-Forwarded-Proto", requestScheme(r))
		headers.Set("X-Forwarded-Host", requestHost(r))
	}

	for name, values := range additional {
		headers[http.CanonicalHeaderKey(name)] = values
	}

	stripOutbound(headers)
	return headers
}

func stripOutbound(headers http.Header) {
	for _, name := range hopByHopHeaders {
		headers.Del(name)
	}
	headers.Del("Host")
	// The transport negotiates its own transparent compression so the
	// relayed body is always decoded bytes.
	headers.Del("Accept-Encoding")
}

// copyResponseHeaders relays upstream response headers, dropping
// hop-by-hop entries plus Content-Encoding and Content-Length: the
// engine re-chunks decoded bytes of unknown final length.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Content-Encoding", "Content-Length":
			continue
		}
		dst[name] = values
	}
}

func isHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}

// joinTarget combines an origin with a path, tolerating stray slashes
// on either side.
func joinTarget(origin, path string) string {
	origin = strings.TrimRight(origin, "/")
	if path == "" {
		return origin
	}
	return origin + "/" + strings.TrimLeft(path, "/")
}

// appendQuery forwards the inbound query string, respecting an existing
// one on the target.
func appendQuery(target, query string) string {
	if query == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + query
	}
	return target + "?" + query
}
