package logging

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDMiddleware tags each HTTP request with a request ID and logs it.
// Status polling is logged at trace level and event streams when they open
// and close, so that a watching client does not flood the console.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		stream := strings.HasPrefix(r.URL.Path, "/api/subscribe/")
		if stream {
			DebugContext(ctx, "Event stream opened", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		level := LevelTrace
		msg := "Request completed"
		switch {
		case wrapped.statusCode >= 500:
			level, msg = slog.LevelError, "Request failed"
		case wrapped.statusCode >= 400:
			level, msg = slog.LevelWarn, "Request rejected"
		case stream:
			level, msg = slog.LevelDebug, "Event stream closed"
		}
		current().Log(ctx, level, msg, withContextIDs(ctx, []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"durationMs", duration.Milliseconds(),
		})...)
	})
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

// Flush lets event streams push each event
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
