package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
	"github.com/angeloszaimis/reverse-proxy/internal/relay"
	"github.com/angeloszaimis/reverse-proxy/internal/selector"
)

const unavailableMessage = "Service Unavailable: no healthy upstreams available or all over limit"

// ProxyHandler glues the selector to the forwarding engine: every
// inbound request gets a freshly picked target, or a deterministic
// unavailable response when nothing is eligible.
type ProxyHandler struct {
	logger           *slog.Logger
	selector         selector.Selector
	engine           *relay.Engine
	metricsCollector *metrics.Collector
}

func New(logger *slog.Logger, sel selector.Selector, engine *relay.Engine, collector *metrics.Collector) *ProxyHandler {
	return &ProxyHandler{
		logger:           logger,
		selector:         sel,
		engine:           engine,
		metricsCollector: collector,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if relay.IsWebSocketUpgrade(r) {
		p.ServeWebSocket(w, r)
		return
	}

	requestID := uuid.NewString()

	p.logger.Info("Received request",
		slog.String("request_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("host", r.Host))

	origin, ok := p.selector.Pick()
	if !ok {
		p.logger.Warn("No eligible upstream",
			slog.String("request_id", requestID))
		http.Error(w, unavailableMessage, http.StatusServiceUnavailable)
		return
	}

	p.emitEvent(metrics.Event{
		Type:      metrics.EventRequestReceived,
		Timestamp: time.Now(),
		Origin:    origin,
	})
	p.emitEvent(metrics.Event{
		Type:      metrics.EventTargetSelected,
		Timestamp: time.Now(),
		Origin:    origin,
	})

	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	start := time.Now()

	err := p.engine.Forward(wrapped, r, origin, r.URL.Path, nil)
	duration := time.Since(start)

	if err != nil {
		p.logger.Error("Relay failed",
			slog.String("request_id", requestID),
			slog.String("upstream", origin),
			slog.String("error", err.Error()))
		if !wrapped.wroteHeader {
			// Nothing streamed yet; the caller can still get a clean error.
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			wrapped.statusCode = http.StatusBadGateway
		}
	}

	p.emitEvent(metrics.Event{
		Type:       metrics.EventResponseCompleted,
		Timestamp:  time.Now(),
		Origin:     origin,
		Duration:   duration,
		StatusCode: wrapped.statusCode,
	})
}

// ServeWebSocket tunnels an inbound upgrade request through to a
// freshly picked target.
func (p *ProxyHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	tunnelID := uuid.NewString()

	origin, ok := p.selector.Pick()
	if !ok {
		p.logger.Warn("No eligible upstream for tunnel",
			slog.String("tunnel_id", tunnelID))
		p.engine.CloseUnavailable(w, r)
		return
	}

	p.logger.Info("Opening tunnel",
		slog.String("tunnel_id", tunnelID),
		slog.String("upstream", origin),
		slog.String("path", r.URL.Path))

	p.emitEvent(metrics.Event{
		Type:      metrics.EventTunnelOpened,
		Timestamp: time.Now(),
		Origin:    origin,
	})
	start := time.Now()

	err := p.engine.ForwardWebSocket(w, r, origin, r.URL.Path, nil)
	if err != nil {
		p.logger.Error("Tunnel failed",
			slog.String("tunnel_id", tunnelID),
			slog.String("upstream", origin),
			slog.String("error", err.Error()))
	}

	p.emitEvent(metrics.Event{
		Type:      metrics.EventTunnelClosed,
		Timestamp: time.Now(),
		Origin:    origin,
		Duration:  time.Since(start),
	})
}

func (p *ProxyHandler) emitEvent(event metrics.Event) {
	if p.metricsCollector == nil {
		return
	}

	select {
	case p.metricsCollector.EventChannel() <- event:
	default:
	}
}
