package metrics

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts a background HTTP server exposing /metrics on addr. It
// returns once the listener is bound; serving errors are logged, not
// returned, since the metrics endpoint is never load-bearing for the
// sync itself.
func Serve(log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Error("Prometheus metrics server stopped", "error", err)
		}
	}()
	return nil
}
