package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
)

// respondError maps an error to its HTTP status and emits the AppError
// body. Non-AppErrors surface as opaque 500s.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}
	log.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": apperrors.Internal("internal error"),
	})
}
