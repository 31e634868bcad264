package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"tachikoma/internal/config"
)

// Prompt-injection patterns checked case-insensitively against every
// request string.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ignore|disregard|forget)\s+(?:previous|above|all)\s+instructions?`),
	regexp.MustCompile(`(?i)you\s+are\s+now`),
	regexp.MustCompile(`(?i)act\s+as\s+(?:if|a|an)\b`),
	regexp.MustCompile(`(?i)pretend\s+(?:to\s+be|you\s+are)`),
	regexp.MustCompile(`(?i)system\s*:`),
	regexp.MustCompile(`(?i)\[system\]`),
	regexp.MustCompile(`(?i)<<SYS>>`),
	regexp.MustCompile(`(?i)<\|system\|>`),
}

func matchesInjection(s string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// inputFilterMiddleware walks query parameters and the JSON request body,
// enforcing the per-string length cap and the injection pattern set. The
// body is buffered and restored for downstream handlers.
func inputFilterMiddleware(cfg config.GatewayConfig) gin.HandlerFunc {
	maxLen := cfg.MaxInputLength
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return func(c *gin.Context) {
		for key, values := range c.Request.URL.Query() {
			for _, v := range values {
				if code, msg := checkString(v, maxLen, cfg.DetectInjection); code != "" {
					abortWithError(c, code, fmt.Sprintf("query parameter %q: %s", key, msg), nil)
					return
				}
			}
		}

		if hasBody(c.Request.Method) && c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					abortWithError(c, CodePayloadTooLarge,
						fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), nil)
					return
				}
				abortWithError(c, CodeBadRequest, "reading request body failed", nil)
				return
			}
			c.Set(ctxKeyRequestBody, body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))

			if len(body) > 0 && isJSONContentType(c.ContentType()) {
				var decoded any
				if err := json.Unmarshal(body, &decoded); err != nil {
					abortWithError(c, CodeBadRequest, "request body is not valid JSON", nil)
					return
				}
				if code, msg := walkValue(decoded, maxLen, cfg.DetectInjection); code != "" {
					abortWithError(c, code, msg, nil)
					return
				}
			}
		}

		c.Next()
	}
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func isJSONContentType(ct string) bool {
	return ct == "" || strings.Contains(ct, "json")
}

func checkString(s string, maxLen int, detectInjection bool) (code, msg string) {
	if len(s) > maxLen {
		return CodeValidation, fmt.Sprintf("string exceeds %d bytes", maxLen)
	}
	if detectInjection && matchesInjection(s) {
		return CodeInjection, "input matches a blocked pattern"
	}
	return "", ""
}

func walkValue(v any, maxLen int, detectInjection bool) (code, msg string) {
	switch val := v.(type) {
	case string:
		return checkString(val, maxLen, detectInjection)
	case map[string]any:
		for _, item := range val {
			if code, msg = walkValue(item, maxLen, detectInjection); code != "" {
				return code, msg
			}
		}
	case []any:
		for _, item := range val {
			if code, msg = walkValue(item, maxLen, detectInjection); code != "" {
				return code, msg
			}
		}
	}
	return "", ""
}
