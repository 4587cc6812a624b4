package api

import (
	"time"

	"github.com/drpcorg/factory/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CallerHeader    = "X-Caller"
	RequestIDHeader = "X-Request-ID"
)

// RequestContext tags the request context with a request id and the
// caller, so engine logs of one request can be told apart.
func RequestContext(log utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		args := []any{"request_id", id}
		if caller := c.GetHeader(CallerHeader); caller != "" {
			args = append(args, "caller", caller)
		}
		c.Request = c.Request.WithContext(utils.WithDefaultArgs(c.Request.Context(), args...))

		start := time.Now()
		c.Next()
		log.DebugCtx(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func caller(c *gin.Context) string { return c.GetHeader(CallerHeader) }
