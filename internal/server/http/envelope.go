package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	id "tachikoma/internal/utils/id"
)

// APIError is the error half of the response envelope. Code follows the
// gateway taxonomy (AUTH_*, PERM_*, REQ_*, RES_*, PROXY_*, OUTPUT_*, SRV_*).
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NewAPIError builds a taxonomy error.
func NewAPIError(code, message string, details any) *APIError {
	return &APIError{Code: code, Message: message, Details: details}
}

// Gateway error codes.
const (
	CodeAuthMissing      = "AUTH_001"
	CodeAuthExpired      = "AUTH_002"
	CodeAuthInvalid      = "AUTH_003"
	CodeForbidden        = "PERM_001"
	CodeInsufficientRole = "PERM_002"
	CodeBadRequest       = "REQ_001"
	CodeValidation       = "REQ_002"
	CodeInjection        = "REQ_003"
	CodePayloadTooLarge  = "REQ_004"
	CodeNotFound         = "RES_001"
	CodeGone             = "RES_002"
	CodeProxyFailure     = "PROXY_001"
	CodeProxyForbidden   = "PROXY_002"
	CodeOutputBlocked    = "OUTPUT_001"
	CodeInternal         = "SRV_001"
	CodeUnavailable      = "SRV_002"
)

// StatusForCode derives the HTTP status from the code prefix. REQ_004
// (payload too large) is the one in-prefix exception.
func StatusForCode(code string) int {
	if code == CodePayloadTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	switch {
	case strings.HasPrefix(code, "AUTH_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(code, "PERM_"):
		return http.StatusForbidden
	case strings.HasPrefix(code, "REQ_"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "RES_"):
		return http.StatusNotFound
	case code == CodeProxyForbidden:
		return http.StatusForbidden
	case strings.HasPrefix(code, "PROXY_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type responseMeta struct {
	TraceID    string `json:"traceId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	DurationMS int64  `json:"duration,omitempty"`
	Pagination any    `json:"pagination,omitempty"`
}

type successEnvelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data"`
	Meta    responseMeta `json:"meta"`
}

type errorEnvelope struct {
	Success bool         `json:"success"`
	Error   *APIError    `json:"error"`
	Meta    responseMeta `json:"meta"`
}

func metaFrom(c *gin.Context, withDuration bool) responseMeta {
	ctx := c.Request.Context()
	meta := responseMeta{
		TraceID:   id.TraceIDFromContext(ctx),
		RequestID: id.RequestIDFromContext(ctx),
	}
	if withDuration {
		if start, ok := c.Get(ctxKeyStart); ok {
			meta.DurationMS = time.Since(start.(time.Time)).Milliseconds()
		}
	}
	return meta
}

// respondOK writes the success envelope.
func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, successEnvelope{Success: true, Data: data, Meta: metaFrom(c, true)})
}

// respondError writes the error envelope with the status derived from the code.
func respondError(c *gin.Context, err *APIError) {
	c.JSON(StatusForCode(err.Code), errorEnvelope{Success: false, Error: err, Meta: metaFrom(c, false)})
}

// abortWithError terminates the middleware chain with an error envelope.
func abortWithError(c *gin.Context, code, message string, details any) {
	err := NewAPIError(code, message, details)
	c.AbortWithStatusJSON(StatusForCode(code), errorEnvelope{Success: false, Error: err, Meta: metaFrom(c, false)})
}
