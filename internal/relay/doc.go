// Package relay implements the forwarding engine: streaming HTTP
// passthrough with proxy header rewriting, and bidirectional WebSocket
// tunneling with subprotocol negotiation. The engine takes a resolved
// target origin as input; selector wiring lives in the handler layer.
package relay
