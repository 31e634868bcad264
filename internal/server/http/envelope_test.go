package http

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		CodeAuthMissing:      http.StatusUnauthorized,
		CodeAuthExpired:      http.StatusUnauthorized,
		CodeAuthInvalid:      http.StatusUnauthorized,
		CodeForbidden:        http.StatusForbidden,
		CodeInsufficientRole: http.StatusForbidden,
		CodeBadRequest:       http.StatusBadRequest,
		CodeValidation:       http.StatusBadRequest,
		CodeInjection:        http.StatusBadRequest,
		CodePayloadTooLarge:  http.StatusRequestEntityTooLarge,
		CodeNotFound:         http.StatusNotFound,
		CodeGone:             http.StatusNotFound,
		CodeProxyFailure:     http.StatusBadGateway,
		CodeProxyForbidden:   http.StatusForbidden,
		CodeOutputBlocked:    http.StatusInternalServerError,
		CodeInternal:         http.StatusInternalServerError,
		CodeUnavailable:      http.StatusInternalServerError,
		"WEIRD_999":          http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusForCode(code), code)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewAPIError(CodeNotFound, "task not found", nil)
	assert.Equal(t, "RES_001: task not found", err.Error())
}
