package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"nhooyr.io/websocket"

	"github.com/angeloszaimis/reverse-proxy/internal/relay"
)

// wsEcho is an upstream that echoes every message back, negotiating
// the given subprotocol.
func wsEcho(subprotocols []string, sawHeaders *capture) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sawHeaders != nil {
			sawHeaders.mu.Lock()
			sawHeaders.header = r.Header.Clone()
			sawHeaders.mu.Unlock()
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: subprotocols})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

// proxyTo runs the engine behind a real server and reports the relay
// result on a channel.
func proxyTo(engine *relay.Engine, origin string) (*httptest.Server, chan error) {
	results := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results <- engine.ForwardWebSocket(w, r, origin, r.URL.Path, nil)
	}))
	return srv, results
}

func wsURL(httpURL string) string {
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

var _ = Describe("ForwardWebSocket", func() {
	var engine *relay.Engine

	BeforeEach(func() {
		engine = relay.NewEngine(nil, log)
	})

	It("should tunnel messages in both directions preserving framing", func() {
		upstream := wsEcho(nil, nil)
		defer upstream.Close()
		proxy, results := proxyTo(engine, upstream.URL)
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL(proxy.URL), nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(conn.Write(ctx, websocket.MessageText, []byte("hello"))).To(Succeed())
		typ, data, err := conn.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(typ).To(Equal(websocket.MessageText))
		Expect(string(data)).To(Equal("hello"))

		Expect(conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02})).To(Succeed())
		typ, data, err = conn.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(typ).To(Equal(websocket.MessageBinary))
		Expect(data).To(Equal([]byte{0x01, 0x02}))

		conn.Close(websocket.StatusNormalClosure, "done")

		Eventually(results, "3s").Should(Receive(BeNil()))
	})

	It("should accept the inbound side with the upstream's negotiated subprotocol", func() {
		upstream := wsEcho([]string{"chat.v2"}, nil)
		defer upstream.Close()
		proxy, results := proxyTo(engine, upstream.URL)
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL(proxy.URL), &websocket.DialOptions{
			Subprotocols: []string{"chat.v1", "chat.v2"},
		})
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close(websocket.StatusNormalClosure, "")

		Expect(conn.Subprotocol()).To(Equal("chat.v2"))

		conn.Close(websocket.StatusNormalClosure, "")
		Eventually(results, "3s").Should(Receive())
	})

	It("should forward caller metadata in the handshake headers", func() {
		seen := &capture{}
		upstream := wsEcho(nil, seen)
		defer upstream.Close()
		proxy, results := proxyTo(engine, upstream.URL)
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL(proxy.URL), nil)
		Expect(err).NotTo(HaveOccurred())
		conn.Close(websocket.StatusNormalClosure, "")
		Eventually(results, "3s").Should(Receive())

		seen.mu.Lock()
		defer seen.mu.Unlock()
		Expect(seen.header.Get("X-Forwarded-For")).To(Equal("127.0.0.1"))
		Expect(seen.header.Get("X-Real-IP")).To(Equal("127.0.0.1"))
		Expect(seen.header.Get("X-Forwarded-Proto")).To(Equal("http"))
	})

	It("should close the inbound side with an internal error when the upstream connect fails", func() {
		proxy, results := proxyTo(engine, "http://127.0.0.1:1")
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL(proxy.URL), nil)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = conn.Read(ctx)
		Expect(err).To(HaveOccurred())
		Expect(websocket.CloseStatus(err)).To(Equal(websocket.StatusInternalError))

		var relayErr error
		Eventually(results, "3s").Should(Receive(&relayErr))
		Expect(relayErr).To(HaveOccurred())
	})

	It("should finish the relay when the upstream goes away", func() {
		var once sync.Once
		stop := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			once.Do(func() { close(stop) })
			conn.Close(websocket.StatusGoingAway, "shutting down")
		}))
		defer upstream.Close()

		proxy, results := proxyTo(engine, upstream.URL)
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, wsURL(proxy.URL), nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close(websocket.StatusNormalClosure, "")

		<-stop
		Eventually(results, "3s").Should(Receive(BeNil()))
	})
})

var _ = Describe("IsWebSocketUpgrade", func() {
	It("should detect a websocket upgrade request", func() {
		r := httptest.NewRequest(http.MethodGet, "http://proxy.local/", nil)
		r.Header.Set("Connection", "keep-alive, Upgrade")
		r.Header.Set("Upgrade", "websocket")
		Expect(relay.IsWebSocketUpgrade(r)).To(BeTrue())
	})

	It("should ignore plain requests", func() {
		r := httptest.NewRequest(http.MethodGet, "http://proxy.local/", nil)
		Expect(relay.IsWebSocketUpgrade(r)).To(BeFalse())
	})
})
