package middleware

import (
	"context"
	"errors"
	"net/http"

	"smallbiznis-rewards/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. BaseError values keep their status,
// anything else becomes a 500 without leaking the cause.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		if be, ok := errutil.As(last.Err); ok {
			c.JSON(be.Code.HTTPStatus(), be.Body())
			return
		}

		if errors.Is(last.Err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, errutil.BaseError{Code: errutil.StatusGatewayTimeout, Message: "request timed out"}.Body())
			return
		}

		zap.L().Error("unhandled request error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}.Body())
	}
}
