package utils

import (
	"net/http"

	"callinsights/internal/apperr"

	"github.com/gin-gonic/gin"
)

// Success writes {success: true, ...data} with status 200
func Success(c *gin.Context, data gin.H) {
	SuccessWithStatus(c, http.StatusOK, data)
}

func SuccessWithStatus(c *gin.Context, code int, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(code, body)
}

func Error(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   msg,
	})
}

// AbortWithError writes the status and caller-facing message for a classified error
// and stops the handler chain. Extra fields are merged into the body.
func AbortWithError(c *gin.Context, err error, extra gin.H) {
	kind := apperr.KindOf(err)
	body := gin.H{
		"success": false,
		"error":   apperr.Message(err),
	}
	if kind != "" {
		body["code"] = kind
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), body)
}
