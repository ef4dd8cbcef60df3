package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ipmon/ipmon/internal/metrics"
)

// Recovery turns a handler panic into a 500 carrying the request id, and counts it per
// route. With verbose set the stack and sanitized request headers are logged too.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}

			route := c.FullPath()
			metrics.IncHTTPPanic(route)

			entry := GetRequestLogger(c).WithFields(logrus.Fields{
				"method": c.Request.Method,
				"route":  route,
				"path":   SanitizePath(c.Request.URL.Path),
			})
			if verbose {
				entry.WithField("headers", SanitizeHeaders(c.Request.Header)).
					Errorf("PANIC: %v\nStacktrace:\n%s", r, debug.Stack())
			} else {
				entry.Errorf("PANIC: %v", r)
			}

			body := gin.H{"error": "internal server error"}
			if rid := c.GetString(RequestIDKey); rid != "" {
				body["request_id"] = rid
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		}()
		c.Next()
	}
}
