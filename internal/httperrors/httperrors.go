// Package httperrors writes the JSON error bodies of the REST endpoints.
// Bodies carry a stable code and a generic message; causes stay in the logs.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // milliseconds
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgForbidden          = "Insufficient permissions"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgTooManyRequests    = "Too many requests"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
)

func respond(c *gin.Context, status int, body ErrorResponse) {
	c.AbortWithStatusJSON(status, body)
}

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	respond(c, http.StatusUnauthorized, ErrorResponse{Error: message, Code: CodeUnauthorized})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	respond(c, http.StatusUnauthorized, ErrorResponse{Error: MsgInvalidToken, Code: CodeInvalidToken})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	respond(c, http.StatusForbidden, ErrorResponse{Error: MsgForbidden, Code: CodeForbidden})
}

// RespondBadRequest sends a 400 response
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	respond(c, http.StatusBadRequest, ErrorResponse{Error: message, Code: CodeBadRequest})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	respond(c, http.StatusNotFound, ErrorResponse{Error: message, Code: CodeNotFound})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	respond(c, http.StatusInternalServerError, ErrorResponse{Error: MsgInternalError, Code: CodeInternalError})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context) {
	respond(c, http.StatusServiceUnavailable, ErrorResponse{Error: MsgServiceUnavailable, Code: CodeServiceUnavailable})
}

// RespondTooManyRequests sends a 429 response with a Retry-After header in
// whole seconds and the precise wait in the body.
func RespondTooManyRequests(c *gin.Context, retryAfterMs int) {
	seconds := max(retryAfterMs/constants.MillisecondsPerSecond, constants.MinRetryAfterSeconds)
	c.Header(constants.HeaderRetryAfter, strconv.Itoa(seconds))
	respond(c, http.StatusTooManyRequests, ErrorResponse{
		Error:      MsgTooManyRequests,
		Code:       CodeTooManyRequests,
		RetryAfter: retryAfterMs,
	})
}

// RespondError maps err onto a status by its ChatError category. Anything
// that is not a ChatError is an internal error.
func RespondError(c *gin.Context, err error) {
	chatErr, ok := chaterrors.As(err)
	if !ok {
		RespondInternalError(c)
		return
	}

	switch chatErr.Category {
	case chaterrors.CategoryAuth:
		if chatErr.Code == chaterrors.ErrCodeInsufficientPerms {
			RespondForbidden(c)
			return
		}
		RespondInvalidToken(c)
	case chaterrors.CategoryValidation:
		respond(c, http.StatusBadRequest, ErrorResponse{Error: chatErr.Message, Code: string(chatErr.Code)})
	case chaterrors.CategoryNotFound:
		respond(c, http.StatusNotFound, ErrorResponse{Error: chatErr.Message, Code: string(chatErr.Code)})
	case chaterrors.CategoryRateLimit:
		RespondTooManyRequests(c, chatErr.RetryAfter)
	case chaterrors.CategoryStore:
		RespondServiceUnavailable(c)
	default:
		RespondInternalError(c)
	}
}
