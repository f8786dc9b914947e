package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// startAdmin serves /metrics (Prometheus text format) and /healthz on endpoint
func (s *Server) startAdmin(endpoint string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", loggerMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		s.writeMetrics(w)
	}))
	mux.HandleFunc("GET /healthz", loggerMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	}))

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	s.admin = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	Logger.Infof("Starting metrics endpoint on %s", ln.Addr())
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint stopped: %v", err)
		}
	}()
	return nil
}

// writeMetrics writes the server series followed by the process metrics
func (s *Server) writeMetrics(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
