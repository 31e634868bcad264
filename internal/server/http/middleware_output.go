package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tachikoma/internal/config"
	"tachikoma/internal/observability"
	"tachikoma/internal/security/redaction"
)

// captureWriter buffers the response body so the output filter can inspect
// and rewrite it before anything reaches the wire.
type captureWriter struct {
	gin.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *captureWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.buf.WriteString(s)
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
}

func (w *captureWriter) WriteHeaderNow() {}

func (w *captureWriter) Status() int {
	return w.status
}

func (w *captureWriter) Size() int {
	return w.buf.Len()
}

func (w *captureWriter) Written() bool {
	return w.buf.Len() > 0
}

// outputFilterMiddleware scans JSON responses for PII and secrets, masking
// (or blocking) before the body is released. Disabled in dev mode along
// with authentication. Websocket upgrades bypass the capture entirely.
func outputFilterMiddleware(cfg config.GatewayConfig, devMode bool, logger *observability.Logger, metrics *observability.MetricsCollector) gin.HandlerFunc {
	scanCap := cfg.MaxScanSize
	if scanCap <= 0 {
		scanCap = 256 << 10
	}
	return func(c *gin.Context) {
		if devMode || c.IsWebsocket() {
			c.Next()
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = cw
		c.Next()
		c.Writer = cw.ResponseWriter

		body := cw.buf.Bytes()
		contentType := cw.Header().Get("Content-Type")
		scannable := cfg.MaskOutput || cfg.BlockOnDetection
		if scannable && len(body) <= scanCap && strings.Contains(contentType, "json") {
			rewritten, kinds := filterBody(body, cfg.ScanFields)
			if len(kinds) > 0 {
				tags := make([]string, len(kinds))
				for i, k := range kinds {
					tags[i] = string(k)
					metrics.RecordFilterDetection(c.Request.Context(), string(k))
				}
				logger.WarnContext(c.Request.Context(), "output filter detection", "kinds", strings.Join(tags, ","))

				if cfg.BlockOnDetection {
					blocked, _ := json.Marshal(errorEnvelope{
						Success: false,
						Error:   NewAPIError(CodeOutputBlocked, "response blocked: sensitive data detected", nil),
						Meta:    metaFrom(c, false),
					})
					writeFiltered(cw, http.StatusInternalServerError, blocked)
					return
				}
				if cfg.MaskOutput {
					body = rewritten
				}
			}
		}
		writeFiltered(cw, cw.status, body)
	}
}

func writeFiltered(cw *captureWriter, status int, body []byte) {
	cw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	cw.ResponseWriter.WriteHeader(status)
	_, _ = cw.ResponseWriter.Write(body)
}

// filterBody masks detections in the serialized response. When scanFields is
// set, only those top-level object fields are scanned and rewritten.
func filterBody(body []byte, scanFields []string) ([]byte, []redaction.Kind) {
	if len(scanFields) == 0 {
		rewritten, kinds := redaction.Apply(string(body))
		return []byte(rewritten), kinds
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		rewritten, kinds := redaction.Apply(string(body))
		return []byte(rewritten), kinds
	}

	var all []redaction.Kind
	changed := false
	for _, field := range scanFields {
		raw, ok := top[field]
		if !ok {
			continue
		}
		rewritten, kinds := redaction.Apply(string(raw))
		if len(kinds) > 0 {
			all = append(all, kinds...)
			top[field] = json.RawMessage(rewritten)
			changed = true
		}
	}
	if !changed {
		return body, all
	}
	out, err := json.Marshal(top)
	if err != nil {
		return body, all
	}
	return out, all
}
