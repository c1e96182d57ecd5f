package middleware

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"mirror/internal/logging"
	"mirror/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// responseWriter tracks the status and whether the connection was handed
// off to a websocket peer.
type responseWriter struct {
	http.ResponseWriter
	status   int
	written  bool
	hijacked bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(status int) {
	if w.written {
		return
	}
	w.status = status
	w.written = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the chain.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order; the last one is outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), logging.RequestIDKey, id)))
	})
}

// route bounds the metrics label set to the paths the server serves.
func route(path string) string {
	switch path {
	case "/ws", "/health", "/metrics":
		return path
	}
	return "other"
}

// Logger records every request. Websocket upgrades are logged as peer
// sessions when they end; health and metrics polling only at debug.
func Logger(logger *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			path := route(r.URL.Path)
			metrics.RecordHTTPRequest(r.Method, path, rw.status)

			log := logger.WithRequestID(r.Context())
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case rw.hijacked:
				log.Info("peer session ended", append(fields, zap.String("remote", r.RemoteAddr))...)
			case path == "/health" || path == "/metrics":
				log.Debug("request completed", fields...)
			default:
				log.Info("request completed", fields...)
			}
		})
	}
}

// Recover turns a handler panic into a 500, unless the response already
// started or the connection belongs to a peer.
func Recover(logger *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				if err := recover(); err != nil {
					logger.WithRequestID(r.Context()).Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.Bool("hijacked", rw.hijacked))
					if !rw.hijacked && !rw.written {
						http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
