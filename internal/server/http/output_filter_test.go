package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFilterMasksPII(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testSecret)
	cfg.Gateway.MaskOutput = true
	s := newTestServer(t, cfg, Options{})
	token := mintToken(t, testSecret, jwt.MapClaims{"sub": "u1", "roles": []string{"admin"}})

	w, _ := doRequest(t, s, http.MethodPost, "/api/tasks", token,
		`{"objective":"notify alice@example.com when done"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.NotContains(t, body, "alice@example.com")
	assert.Contains(t, body, "al***@***.com")
	assert.Equal(t, len(w.Body.Bytes()), atoi(t, w.Header().Get("Content-Length")))
}

func TestOutputFilterMasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testSecret)
	cfg.Gateway.MaskOutput = true
	s := newTestServer(t, cfg, Options{})
	token := mintToken(t, testSecret, jwt.MapClaims{"sub": "u1", "roles": []string{"admin"}})

	w, _ := doRequest(t, s, http.MethodPost, "/api/tasks", token,
		`{"objective":"rotate sk-abcdefghijklmnopqrstuvwx before release"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-abcdefghijklmnopqrstuvwx")
}

func TestOutputFilterBlocksWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testSecret)
	cfg.Gateway.BlockOnDetection = true
	s := newTestServer(t, cfg, Options{})
	token := mintToken(t, testSecret, jwt.MapClaims{"sub": "u1", "roles": []string{"admin"}})

	w, env := doRequest(t, s, http.MethodPost, "/api/tasks", token,
		`{"objective":"notify alice@example.com when done"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeOutputBlocked, env.Error.Code)
	assert.NotContains(t, w.Body.String(), "alice@example.com")
}

func TestOutputFilterSkipsCleanResponses(t *testing.T) {
	t.Parallel()

	cfg := testConfig(testSecret)
	cfg.Gateway.MaskOutput = true
	s := newTestServer(t, cfg, Options{})
	token := mintToken(t, testSecret, jwt.MapClaims{"sub": "u1", "roles": []string{"admin"}})

	w, env := doRequest(t, s, http.MethodPost, "/api/tasks", token, `{"objective":"plain work item"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var rec TaskRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, "plain work item", rec.Objective)
}

func TestOutputFilterDisabledInDevMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig("")
	cfg.Gateway.MaskOutput = true
	s := newTestServer(t, cfg, Options{})

	w, _ := doRequest(t, s, http.MethodPost, "/api/tasks", "",
		`{"objective":"notify alice@example.com when done"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice@example.com")
}

func TestFilterBodyScanFields(t *testing.T) {
	t.Parallel()

	body := []byte(`{"output":"mail bob@example.com","audit":"keep carol@example.com"}`)
	rewritten, kinds := filterBody(body, []string{"output"})

	require.NotEmpty(t, kinds)
	s := string(rewritten)
	assert.NotContains(t, s, "bob@example.com")
	assert.Contains(t, s, "carol@example.com", "fields outside the scan set stay untouched")
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
