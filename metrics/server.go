package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /metrics and a /healthz readiness endpoint for a migration
// run.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr, e.g. ":9090" or "127.0.0.1:0", so a bad address fails
// before any migration work starts. /healthz answers 200 once done reports
// true and 503 before; a nil done is always ready.
func Listen(addr string, done func() bool) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if done != nil && !done() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("migrating\n"))
			return
		}
		_, _ = w.Write([]byte("migrated\n"))
	})
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is done or serving fails. On cancellation it shuts
// down gracefully and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
