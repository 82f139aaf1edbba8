package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"tollgate/internal/httputil"
)

// Recovery turns handler panics into a 500 Problem response.
// http.ErrAbortHandler is re-raised so net/http aborts the connection quietly.
// Once an SSE stream has started the status line is gone, so only the log is written.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logger.Error("panic recovered",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"user_id", httputil.GetUserID(r),
					"stack", string(debug.Stack()),
				)

				if w.Header().Get("Content-Type") == "text/event-stream" {
					return
				}
				httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
