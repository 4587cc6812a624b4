package api

import (
	"errors"
	"net/http"

	"github.com/drpcorg/factory/factory_errors"
	"github.com/gin-gonic/gin"
)

// StatusOf maps engine errors to HTTP statuses.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, factory_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, factory_errors.ErrAlreadyExists),
		errors.Is(err, factory_errors.ErrAlreadyComplete),
		errors.Is(err, factory_errors.ErrUpgradeFailed):
		return http.StatusConflict
	case errors.Is(err, factory_errors.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, factory_errors.ErrValidation),
		errors.Is(err, factory_errors.ErrArithmeticOverflow),
		errors.Is(err, factory_errors.ErrDivideByZero):
		return http.StatusBadRequest
	case errors.Is(err, factory_errors.ErrInvalidReply):
		return http.StatusUnprocessableEntity
	case errors.Is(err, factory_errors.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(StatusOf(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}
