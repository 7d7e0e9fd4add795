package gateway

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "upscalerbot/pkg/logx"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
)

// CORS is deliberately permissive: the only caller is the mini-app served from another origin.
// Every response carries the headers; preflights are answered here with 200 and no body.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	s, _ := v.(string)
	return s
}

// AccessLog emits one line per request; the level follows the status class.
func AccessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("rid", requestID(c)),
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
			logx.Int64("bytes_in", c.Request.ContentLength),
			logx.Int("bytes_out", c.Writer.Size()),
			logx.String("remote_ip", c.ClientIP()),
		}
		switch {
		case len(c.Errors) > 0:
			log.Error("request", append(fields, logx.String("errors", c.Errors.String()))...)
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		case path == "/health" || path == "/metrics":
			log.Debug("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func Recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
					logx.String("rid", requestID(c)),
				)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
