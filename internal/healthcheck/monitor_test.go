package healthcheck_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/reverse-proxy/internal/healthcheck"
	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

func TestHealthcheck(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Healthcheck Suite")
}

var log = slog.New(slog.NewTextHandler(os.Stdout, nil))

func newSet(addrs ...string) *upstream.Set {
	set, err := upstream.FromStrings(addrs)
	Expect(err).NotTo(HaveOccurred())
	return set
}

var _ = Describe("Monitor", func() {
	var opts healthcheck.Options

	BeforeEach(func() {
		opts = healthcheck.Options{
			Interval: time.Second,
			Timeout:  time.Second,
			Logger:   log,
		}
	})

	Describe("New", func() {
		It("should reject an empty registry", func() {
			_, err := healthcheck.New(nil, opts)
			Expect(err).To(MatchError(healthcheck.ErrNoTargets))
		})

		It("should reject a sub-second interval", func() {
			opts.Interval = 100 * time.Millisecond
			_, err := healthcheck.New(newSet("http://localhost:1"), opts)
			Expect(err).To(MatchError(healthcheck.ErrIntervalTooLow))
		})

		It("should reject a sub-second timeout", func() {
			opts.Timeout = 100 * time.Millisecond
			_, err := healthcheck.New(newSet("http://localhost:1"), opts)
			Expect(err).To(MatchError(healthcheck.ErrTimeoutTooLow))
		})

		It("should treat every origin as up before the first cycle", func() {
			m, err := healthcheck.New(newSet("http://localhost:1", "http://localhost:2"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			Expect(m.HealthyOrigins()).To(HaveLen(2))
			Expect(m.LastUpdate().IsZero()).To(BeTrue())
		})
	})

	Describe("CheckAll", func() {
		It("should record latency for healthy targets", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			m, err := healthcheck.New(newSet(srv.URL), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			origin := m.Registry().Origins()[0]
			Expect(m.IsHealthy(origin)).To(BeTrue())
			times := m.ResponseTimes()
			Expect(times).To(HaveKey(origin))
			Expect(times[origin]).To(BeNumerically(">", 0))
			Expect(m.LastUpdate().IsZero()).To(BeFalse())
		})

		It("should mark a target down on status >= 400", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer srv.Close()

			m, err := healthcheck.New(newSet(srv.URL), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			origin := m.Registry().Origins()[0]
			Expect(m.IsHealthy(origin)).To(BeFalse())
			Expect(m.ResponseTimes()).NotTo(HaveKey(origin))
			Expect(m.HealthyOrigins()).To(BeEmpty())
		})

		It("should mark an unreachable target down without failing the cycle", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			m, err := healthcheck.New(newSet(srv.URL, "http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			Expect(m.HealthyOrigins()).To(HaveLen(1))
			Expect(m.IsHealthy("http://127.0.0.1:1")).To(BeFalse())
		})

		It("should partition origins into healthy and down", func() {
			up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			defer up.Close()

			set := newSet(up.URL, "http://127.0.0.1:1")
			m, err := healthcheck.New(set, opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			healthy := m.HealthyOrigins()
			for _, origin := range set.Origins() {
				if m.IsHealthy(origin) {
					Expect(healthy).To(ContainElement(origin))
				} else {
					Expect(healthy).NotTo(ContainElement(origin))
				}
			}
			Expect(len(healthy)).To(Equal(1))
		})

		It("should replace the snapshot whole on every cycle", func() {
			var healthy atomic.Bool
			healthy.Store(true)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !healthy.Load() {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
			}))
			defer srv.Close()

			m, err := healthcheck.New(newSet(srv.URL), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			origin := m.Registry().Origins()[0]

			m.CheckAll(context.Background())
			Expect(m.IsHealthy(origin)).To(BeTrue())
			first := m.LastUpdate()

			healthy.Store(false)
			m.CheckAll(context.Background())
			Expect(m.IsHealthy(origin)).To(BeFalse())
			Expect(m.LastUpdate().After(first)).To(BeTrue())
		})
	})

	Describe("Fastest", func() {
		It("should prefer the lower latency origin", func() {
			fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			defer fast.Close()
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(150 * time.Millisecond)
			}))
			defer slow.Close()

			m, err := healthcheck.New(newSet(slow.URL, fast.URL), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			fastest, ok := m.Fastest()
			Expect(ok).To(BeTrue())
			Expect(fastest).To(Equal(m.Registry().Origins()[1]))
		})

		It("should report no origin when everything is down", func() {
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			m.CheckAll(context.Background())

			_, ok := m.Fastest()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("lifecycle", func() {
		It("should run an immediate cycle on start", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			defer srv.Close()

			m, err := healthcheck.New(newSet(srv.URL), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			Expect(m.Start()).To(Succeed())
			Eventually(func() bool {
				return !m.LastUpdate().IsZero()
			}, "2s", "20ms").Should(BeTrue())
		})

		It("should treat start on a running monitor as a no-op", func() {
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			Expect(m.Start()).To(Succeed())
			Expect(m.Start()).To(Succeed())
			Expect(m.CurrentState()).To(Equal(healthcheck.StateRunning))
		})

		It("should stop and restart", func() {
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			Expect(m.Start()).To(Succeed())
			m.Stop()
			Expect(m.CurrentState()).To(Equal(healthcheck.StateStopped))
			Expect(m.Start()).To(Succeed())
			Expect(m.CurrentState()).To(Equal(healthcheck.StateRunning))
		})

		It("should make destroy terminal and idempotent", func() {
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.Start()).To(Succeed())
			m.Destroy()
			m.Destroy()
			Expect(m.CurrentState()).To(Equal(healthcheck.StateDestroyed))
			Expect(m.Start()).To(MatchError(healthcheck.ErrDestroyed))
		})

		It("should autostart when requested", func() {
			opts.Autostart = true
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())
			defer m.Destroy()

			Expect(m.CurrentState()).To(Equal(healthcheck.StateRunning))
		})

		It("should destroy on the way out of Scoped", func() {
			m, err := healthcheck.New(newSet("http://127.0.0.1:1"), opts)
			Expect(err).NotTo(HaveOccurred())

			err = m.Scoped(func(m *healthcheck.Monitor) error {
				Expect(m.CurrentState()).To(Equal(healthcheck.StateRunning))
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.CurrentState()).To(Equal(healthcheck.StateDestroyed))
		})
	})
})
