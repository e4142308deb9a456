package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/util"
)

// removedHeaders are stripped from the inbound request before forwarding.
// Everything else passes through verbatim so the client identity survives.
var removedHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Transfer-Encoding",
	"Authorization",
	"X-Api-Key",
	"Proxy-Authorization",
	"Proxy-Connection",
}

// hop-by-hop headers never relayed back to the client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authenticate",
	"Trailer",
}

const relayChunkSize = 32 * 1024

// handleProxy forwards the request to the active provider, relaying streamed
// responses incrementally and buffered responses whole.
func (s *Server) handleProxy(c *gin.Context) {
	provider := s.provider.Load()
	if provider == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("invalid_request_error", "no active provider configured"))
		s.bus.Error("request dropped: no active provider", map[string]any{"path": c.Request.URL.Path})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "failed to read request body"))
		return
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	target := strings.TrimSuffix(provider.APIBaseURL, "/") + c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	ctx := c.Request.Context()
	if !streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, upstreamTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("api_error", "failed to build upstream request"))
		return
	}
	s.rewriteHeaders(req, c, provider.APIKey)

	start := time.Now()
	s.bus.Publish("info", events.TypeRequest, "forwarding request", map[string]any{
		"method":   c.Request.Method,
		"path":     c.Request.URL.Path,
		"provider": provider.Name,
		"stream":   streaming,
	})

	resp, err := s.client.Do(req)
	if err != nil {
		s.relayTransportError(c, provider.Name, err)
		return
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("gateway: close upstream body error: %v", errClose)
		}
	}()

	for k, vals := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	if streaming || strings.HasPrefix(contentType, "text/event-stream") {
		s.relayStream(c, resp, provider.Name, start)
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.bus.Error("upstream read failed", map[string]any{"provider": provider.Name, "error": err.Error()})
		return
	}
	_, _ = c.Writer.Write(data)
	RecordUpstreamRequest(provider.Name, resp.StatusCode)
	if resp.StatusCode >= http.StatusBadRequest {
		s.bus.Warn("upstream returned error status", map[string]any{
			"status":   resp.StatusCode,
			"provider": provider.Name,
			"body":     string(util.Truncate(util.RedactJSON(data), 2048)),
		})
	}
	s.bus.Publish("info", events.TypeResponse, "request completed", map[string]any{
		"status":      resp.StatusCode,
		"provider":    provider.Name,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(data),
		"stream":      false,
	})
}

// rewriteHeaders applies the forwarding header policy: inbound headers copied
// verbatim minus the removal set, standard proxy-chain headers added, and the
// upstream credential injected over anything the client supplied.
func (s *Server) rewriteHeaders(req *http.Request, c *gin.Context, apiKey string) {
	for k, vals := range c.Request.Header {
		if isRemovedHeader(k) {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("X-Forwarded-For", c.ClientIP())
	req.Header.Set("X-Forwarded-Host", c.Request.Host)
	req.Header.Set("X-Forwarded-Proto", "http")

	req.Header.Set("x-api-key", apiKey)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", "2023-06-01")
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
}

// relayStream pulls chunks from the upstream body and pushes them to the
// client with a flush per read, until either side terminates.
func (s *Server) relayStream(c *gin.Context, resp *http.Response, providerName string, start time.Time) {
	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, relayChunkSize)
	var bytesOut int64
	chunks := 0
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, errWrite := c.Writer.Write(buf[:n]); errWrite != nil {
				// Client went away; the deferred close releases the upstream stream.
				s.bus.Warn("client disconnected mid-stream", map[string]any{
					"provider":    providerName,
					"duration_ms": time.Since(start).Milliseconds(),
				})
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			bytesOut += int64(n)
			chunks++
		}
		if err != nil {
			if err != io.EOF {
				s.bus.Error("stream error, closing client connection", map[string]any{
					"provider": providerName,
					"error":    err.Error(),
				})
				RecordUpstreamError("stream")
				// Sever the connection without a terminal chunk so the
				// truncated stream is not mistaken for a complete one.
				panic(http.ErrAbortHandler)
			}
			break
		}
	}
	RecordUpstreamRequest(providerName, resp.StatusCode)
	s.bus.Publish("info", events.TypeResponse, "stream completed", map[string]any{
		"status":      resp.StatusCode,
		"provider":    providerName,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       bytesOut,
		"chunks":      chunks,
		"stream":      true,
	})
}

// relayTransportError maps transport failures: timeout to a gateway-timeout
// class, everything else to a generic internal-error class. Upstream HTTP
// errors never reach this path; they are relayed verbatim.
func (s *Server) relayTransportError(c *gin.Context, providerName string, err error) {
	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	if timedOut {
		RecordUpstreamError("timeout")
		s.bus.Error("upstream timeout", map[string]any{"provider": providerName, "error": err.Error()})
		c.JSON(http.StatusGatewayTimeout, errorBody("timeout_error", "upstream request timed out"))
		return
	}
	RecordUpstreamError("transport")
	s.bus.Error("upstream request failed", map[string]any{"provider": providerName, "error": err.Error()})
	c.JSON(http.StatusBadGateway, errorBody("api_error", "upstream request failed"))
}

func isRemovedHeader(key string) bool {
	for _, h := range removedHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
