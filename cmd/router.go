package main

import (
	"net/http"

	"github.com/angeloszaimis/reverse-proxy/internal/handler"
	"github.com/angeloszaimis/reverse-proxy/internal/metrics"
)

func setupRouter(proxyHandler *handler.ProxyHandler, metricsCollector *metrics.Collector, mode string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", proxyHandler.ServeHTTP)
	mux.HandleFunc("/metrics", metricsCollector.Handler(mode))

	return mux
}
