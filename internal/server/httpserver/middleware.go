package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/telemetry/logger"
	"github.com/yndnr/corestate-go/internal/telemetry/metric"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one runs first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID tags each request with an id and a request-scoped logger.
// A client supplied X-Request-ID is kept.
func RequestID(base *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 128 {
				id = ulid.Make().String()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := logger.WithRequestID(r.Context(), id)
			ctx = logger.WithLogger(ctx, base)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit rejects requests beyond a global token bucket with 429.
func RateLimit(perSecond float64, burst int, metrics *metric.Registry) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				if metrics != nil {
					metrics.RateLimited.Inc()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "CS-SYS-4290", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Audit logs every completed request at a level chosen by its status.
func Audit(base *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"bytes", rw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", r.RemoteAddr,
			}
			l := base
			if id := logger.RequestIDFromContext(r.Context()); id != "" {
				l = base.With("request_id", id)
			}
			switch {
			case rw.status >= 500:
				l.Error("request completed with error", attrs...)
			case rw.status >= 400:
				l.Warn("request completed with client error", attrs...)
			default:
				l.Info("request completed", attrs...)
			}
		})
	}
}

// Observe records request count and latency per matched route.
func Observe(metrics *metric.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			// The mux stores the matched pattern on the request it was given.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(r.Method, route, rw.status, time.Since(start))
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(base *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					base.Error("panic recovered",
						"request_id", requestID(w, r),
						"path", r.URL.Path,
						"panic", v)
					writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID(w, r),
		"timestamp":  time.Now().UnixMilli(),
	})
}

// requestID finds the request id from inside or outside RequestID.
func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := logger.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return w.Header().Get(HeaderRequestID)
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
