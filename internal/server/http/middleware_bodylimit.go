package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bodyLimitMiddleware rejects oversize request bodies. A declared
// Content-Length above the limit fails fast; chunked or unsized bodies are
// counted as they stream and cut off by MaxBytesReader, which the input
// filter converts into the same 413.
func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	if limit <= 0 {
		limit = 1 << 20
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			abortWithError(c, CodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", limit), nil)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
