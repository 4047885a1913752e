package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Recover turns a handler panic into a 500 and logs the stack. A panic
// after the response has started only aborts that response.
func Recover(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error().
					Str("url", r.URL.Path).
					Err(fmt.Errorf("%v", rec)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logger writes one access line per request once the handler returns.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := logger.Debug()
				if status >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("type", "access").
					Str("method", r.Method).
					Str("url", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Str("remote", r.RemoteAddr).
					Dur("took", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// CORS allows any origin to play streams and read the headers a player
// needs for seeking.
func CORS() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Range"},
		ExposedHeaders: []string{
			"Content-Length", "Content-Range", "Content-Type", "Accept-Ranges",
			"Retry-After", "X-Cache", "X-File-Name", "X-Readahead-Bytes",
		},
		MaxAge: 600,
	}).Handler
}
