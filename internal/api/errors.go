package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/gc"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/settler"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errcode.NonceAlreadyUsed), errors.Is(err, settler.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, errcode.NonceDoesNotExist),
		errors.Is(err, rentpool.ErrNoContribution),
		errors.Is(err, token.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, errcode.NonceIsNotWritable):
		return http.StatusLocked
	case errors.Is(err, errcode.NonceIsNotExpired):
		return http.StatusConflict
	case errors.Is(err, gc.ErrEmptyBatch):
		return http.StatusBadRequest
	}
	if e, ok := errcode.Of(err); ok {
		if e.Class == errcode.ClassValidation {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error", "code"}. Internal errors are not echoed.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	code := errcode.Code(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// badRequest is for malformed HTTP input that never reached the ledger.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
