// Package response defines the JSON envelope returned by every endpoint:
// {code, message, data} with code 0 on success.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/councilproxy/internal/pkg/errors"
)

type Body struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: 0, Message: "success", Data: data})
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Code: status, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// ErrorFrom maps an ApplicationError onto the envelope; unclassified errors
// become an opaque 500.
func ErrorFrom(c *gin.Context, err error) {
	appErr := errors.FromError(err)
	c.JSON(appErr.Code, Body{Code: appErr.Code, Message: appErr.Message, Data: gin.H{"reason": appErr.Reason}})
}
