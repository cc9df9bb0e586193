package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventTargetSelected    EventType = "target_selected"
	EventResponseCompleted EventType = "response_completed"
	EventTunnelOpened      EventType = "tunnel_opened"
	EventTunnelClosed      EventType = "tunnel_closed"
	EventHealthChanged     EventType = "health_changed"
)

type Event struct {
	Type       EventType
	Timestamp  time.Time
	Origin     string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

// Collector aggregates metric events off the request path. Emission is
// non-blocking: when the buffer is full events are dropped, never the
// request.
type Collector struct {
	eventCh chan Event
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan Event, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- Event {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event Event) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Origin)

	case EventTargetSelected:
		c.metrics.RecordSelection(event.Origin)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Origin, event.Duration, event.StatusCode)

	case EventTunnelOpened:
		c.metrics.TunnelOpened(event.Origin)

	case EventTunnelClosed:
		c.metrics.TunnelClosed(event.Origin)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Origin, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(mode string) Snapshot {
	return c.metrics.Snapshot(mode)
}
