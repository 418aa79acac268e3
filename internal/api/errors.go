package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mailerr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, mailerr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, mailerr.ErrNotFound), errors.Is(err, mailerr.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, mailerr.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)

	if status == http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{"error": "internal error"})

		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
