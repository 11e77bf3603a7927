package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

// ErrorHandlingMiddleware turns a panic in next into a JSON error body {error, msg, code}.
func ErrorHandlingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		start := time.Now()
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			logger := klogging.Error(r.Context()).With("path", r.URL.Path).With("elapsedMs", time.Since(start).Milliseconds())

			var ke *kerror.Kerror
			switch v := err.(type) {
			case *kerror.Kerror:
				ke = v
				logger.WithError(ke)
			case error:
				// the cause stays in the log, not in the response
				ke = kerror.Create("InternalServerError", "an unexpected error occurred").
					WithErrorCode(kerror.EC_UNKNOWN)
				logger.WithError(v)
			default:
				ke = kerror.Create("UnknownPanic", "unexpected panic with non-error value").
					WithErrorCode(kerror.EC_UNKNOWN)
				logger.With("panicValue", v)
			}
			logger.Log("PanicRecovered", "panic recovered in middleware")

			w.WriteHeader(ke.GetHttpErrorCode())
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": ke.Type,
				"msg":   ke.Msg,
				"code":  ke.ErrorCode,
			})
		}()
		next.ServeHTTP(w, r)
	})
}
