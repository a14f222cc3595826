package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
)

// BearerConfig guards a route group with a static bearer token.
type BearerConfig struct {
	Token   string
	Metrics *monitoring.Metrics
	// Audit receives one entry per rejected request
	Audit *zap.Logger
}

// RequireBearer rejects requests whose Authorization header does not carry
// the configured token. An empty token rejects everything.
func RequireBearer(config BearerConfig) gin.HandlerFunc {
	audit := config.Audit
	if audit == nil {
		audit = zap.NewNop()
	}
	want := []byte(config.Token)

	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			config.Metrics.RecordViolation("unauthorized")
			audit.Warn("unauthorized_request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("audit", true),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Unauthorized",
			})
			return
		}
		c.Next()
	}
}
