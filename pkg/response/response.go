package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the standard success envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorData  `json:"error,omitempty"`
}

// ErrorData carries a machine-readable code alongside the message
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Problem is the error body used at the gateway boundary. correlationId is
// always present so a failed request can be traced across services.
type Problem struct {
	Timestamp     time.Time `json:"timestamp"`
	Status        int       `json:"status"`
	Error         string    `json:"error"`
	Message       string    `json:"message,omitempty"`
	Upstream      string    `json:"upstream,omitempty"`
	Path          string    `json:"path"`
	CorrelationID string    `json:"correlationId"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{Success: true, Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

func Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error:   &ErrorData{Code: code, Message: message},
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, "FORBIDDEN", message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, "NOT_FOUND", message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, "CONFLICT", message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// ServiceUnavailable writes the gateway fallback body for upstream failures.
func ServiceUnavailable(c *gin.Context, message, upstream, correlationID string) {
	c.JSON(http.StatusServiceUnavailable, Problem{
		Timestamp:     time.Now().UTC(),
		Status:        http.StatusServiceUnavailable,
		Error:         "Service Unavailable",
		Message:       message,
		Upstream:      upstream,
		Path:          c.Request.URL.Path,
		CorrelationID: correlationID,
	})
}
