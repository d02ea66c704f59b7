package middleware

import (
	"net/http"
	"runtime/debug"

	"castdeck/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every failed API call.
type errorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var internalErrorBody = errorBody{
	Error:   string(errors.ErrCodeInternal),
	Message: "Internal server error",
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. AppErrors keep their code and status; anything else is a 500
// whose message stays in the log.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		route := []interface{}{"path", c.Request.URL.Path, "method", c.Request.Method}
		appErr := errors.GetAppError(last.Err)
		if appErr == nil {
			logger.Errorw("unhandled error", append(route, "error", last.Err.Error())...)
			c.JSON(http.StatusInternalServerError, internalErrorBody)
			return
		}

		fields := append(route, "code", appErr.Code, "status", appErr.HTTPStatus, "error", last.Err.Error())
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Infow("request rejected", fields...)
		}
		c.JSON(appErr.HTTPStatus, errorBody{
			Error:   string(appErr.Code),
			Message: last.Err.Error(),
			Details: appErr.Context,
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, internalErrorBody)
			}
		}()
		c.Next()
	}
}
