package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/updater/internal/pkg/metrics"
	"github.com/autopeer-io/updater/pkg/log"
	"github.com/autopeer-io/updater/pkg/options"
)

// APIPrefix is the path prefix of the operator API.
const APIPrefix = "/api/v1"

// Server serves the operator API.
type Server struct {
	server  *http.Server
	options *options.HttpOptions
}

func NewServer(opts *options.HttpOptions, op Operator) *Server {
	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewHandler(opts, op),
			ReadHeaderTimeout: opts.Timeout,
			WriteTimeout:      opts.Timeout,
		},
		options: opts,
	}
}

// NewHandler builds the router: the operator API under APIPrefix, health
// probes and metrics at the root.
func NewHandler(opts *options.HttpOptions, op Operator) http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Readiness fails while an operator decision is pending.
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if phase := op.Status().Phase; phase.NeedsOperator() {
			http.Error(w, string(phase), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	h := &handlers{op: op}
	read := newLimiter(opts.ReadRPS, opts.ReadBurst)
	destructive := newLimiter(1/opts.DestructiveInterval.Seconds(), opts.DestructiveBurst)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Handle("/updates/check", read.wrap(h.check)).Methods(http.MethodPost)
	api.Handle("/updates/install", destructive.wrap(h.install)).Methods(http.MethodPost)
	api.Handle("/updates/status", read.wrap(h.status)).Methods(http.MethodGet)
	api.Handle("/updates/pending", read.wrap(h.pending)).Methods(http.MethodGet)
	api.Handle("/updates/rollback", destructive.wrap(h.rollback)).Methods(http.MethodPost)
	api.Handle("/updates/resolve", destructive.wrap(h.resolve)).Methods(http.MethodPost)
	api.Handle("/updates/{version}/changelog", read.wrap(h.changelog)).Methods(http.MethodGet)
	api.Handle("/config", read.wrap(h.getConfig)).Methods(http.MethodGet)
	api.Handle("/config", destructive.wrap(h.putConfig)).Methods(http.MethodPut)
	api.Handle("/history", read.wrap(h.history)).Methods(http.MethodGet)

	return r
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}
	log.Info("Starting HTTP Server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
