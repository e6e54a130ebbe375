package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"autotrade-core/internal/apperr"
)

// ok writes {success: true, ...payload, timestamp}.
func ok(c *gin.Context, payload gin.H) {
	okStatus(c, http.StatusOK, payload)
}

func okStatus(c *gin.Context, status int, payload gin.H) {
	body := gin.H{"success": true, "timestamp": time.Now().UTC()}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// fail writes {success: false, error, reason, code, kind, retryable} with the status of the
// error's kind. Unclassified errors are 500s.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	if ae, isApp := apperr.As(err); isApp {
		c.JSON(ae.Kind.HTTPStatus(), gin.H{
			"success":   false,
			"error":     ae.Kind.Title(),
			"reason":    ae.Reason,
			"code":      ae.Code,
			"kind":      ae.Kind,
			"retryable": ae.Kind.Retryable(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success":   false,
		"error":     "Internal error",
		"reason":    err.Error(),
		"code":      "INTERNAL_ERROR",
		"retryable": false,
		"timestamp": time.Now().UTC(),
	})
}

func badRequest(c *gin.Context, reason string) {
	fail(c, apperr.Validation(apperr.CodeInvalidInput, reason))
}
