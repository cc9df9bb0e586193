// A simple test upstream used for reverse proxy testing. It provides
// /health, /echo and /ws endpoints.
//
// Usage:
//
//	go run ./scripts/upstream -port 8081 -delay 50ms
//
// The server logs all requests and echoes back the forwarded headers,
// so X-Real-IP and X-Forwarded-For rewriting is visible when running
// several upstreams behind the proxy.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	delay := flag.Duration("delay", 0, "artificial latency added to every response")
	flaky := flag.Bool("flaky", false, "fail every third health probe")
	flag.Parse()

	var probes int

	mux := http.NewServeMux()

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(*delay)
		// log request for visibility when running multiple upstreams
		log.Printf("request: method=%s path=%s from=%s", r.Method, r.URL.Path, r.RemoteAddr)

		resp := map[string]any{
			"port":             *port,
			"method":           r.Method,
			"path":             r.URL.Path,
			"query":            r.URL.RawQuery,
			"x_real_ip":        r.Header.Get("X-Real-IP"),
			"x_forwarded_for":  r.Header.Get("X-Forwarded-For"),
			"x_forwarded_host": r.Header.Get("X-Forwarded-Host"),
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})

	// health endpoint probed by the proxy's monitor via HEAD
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(*delay)
		probes++
		if *flaky && probes%3 == 0 {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// websocket echo for exercising tunnels through the proxy
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"echo.v1"},
		})
		if err != nil {
			log.Printf("websocket accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "echo terminated")

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting upstream on %s", addr)
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
