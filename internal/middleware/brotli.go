package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes response compression.
type BrotliConfig struct {
	Quality   int
	MinLength int
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// bufferedWriter holds the whole body so the size can decide compression.
// API bodies here are small JSON envelopes, so buffering is fine.
type bufferedWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

// Brotli compresses responses with the default config.
func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

// BrotliWithConfig compresses responses of at least MinLength bytes for
// clients that accept "br". WebSocket upgrades and event streams pass
// through untouched.
func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	return func(c *gin.Context) {
		if isStream(c.Request) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		original := c.Writer
		bw := &bufferedWriter{ResponseWriter: original}
		c.Writer = bw
		c.Next()
		c.Writer = original

		original.Header().Add("Vary", "Accept-Encoding")
		body := bw.body.Bytes()
		if len(body) < cfg.MinLength {
			original.Header().Set("Content-Length", strconv.Itoa(len(body)))
			_, _ = original.Write(body)
			return
		}

		var out bytes.Buffer
		enc := brotli.NewWriterLevel(&out, cfg.Quality)
		if _, err := enc.Write(body); err != nil || enc.Close() != nil {
			_, _ = original.Write(body)
			return
		}

		original.Header().Set("Content-Encoding", "br")
		original.Header().Set("Content-Length", strconv.Itoa(out.Len()))
		_, _ = original.Write(out.Bytes())
	}
}

func isStream(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]), "br") {
			return true
		}
	}
	return false
}
