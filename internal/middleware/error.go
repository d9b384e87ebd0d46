package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/proxylens/proxylens/internal/pkg/apperrors"
	"github.com/proxylens/proxylens/internal/pkg/logger"
)

// ErrorHandler renders the last error attached with c.Error as
// {"error": {...}} using the AppError's status.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, err.Error(), err)
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.LogError(c.Request.Context(), appErr, "Internal Server Error", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		if !c.Writer.Written() {
			c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		}
	}
}

// Recovery turns a handler panic into an INTERNAL_ERROR response.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				appErr := apperrors.New(apperrors.ErrInternal, "internal error", fmt.Errorf("panic: %v", r))
				logger.LogError(c.Request.Context(), appErr, "Recovered handler panic", "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr})
			}
		}()
		c.Next()
	}
}
