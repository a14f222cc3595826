package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

var kindStatus = map[fault.Kind]int{
	fault.KindValidation: http.StatusBadRequest,
	fault.KindPermission: http.StatusForbidden,
	fault.KindSecurity:   http.StatusForbidden,
	fault.KindConflict:   http.StatusConflict,
	fault.KindStale:      http.StatusConflict,
	fault.KindOverflow:   http.StatusServiceUnavailable,
	fault.KindClosed:     http.StatusServiceUnavailable,
	fault.KindNetwork:    http.StatusServiceUnavailable,
	fault.KindChannel:    http.StatusBadGateway,
	fault.KindRemote:     http.StatusBadGateway,
	fault.KindTimeout:    http.StatusGatewayTimeout,
}

// statusFor maps an error to the HTTP status callers should see
func statusFor(err error) int {
	if status, ok := kindStatus[fault.KindOf(err)]; ok {
		return status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	body := gin.H{
		"success": false,
		"error":   err.Error(),
	}
	if kind := fault.KindOf(err); kind != "" {
		body["code"] = kind
	}
	c.JSON(statusFor(err), body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request: " + err.Error(),
		"code":    fault.KindValidation,
	})
}
