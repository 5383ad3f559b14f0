// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"presto/internal/modules/request"
	"presto/internal/modules/wallet"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRequestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, request.ErrBadRequest), errors.Is(err, request.ErrInvalidState):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, request.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, request.ErrStaleTransition):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeWalletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrBadAmount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
