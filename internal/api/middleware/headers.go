package middleware

import "github.com/gin-gonic/gin"

// Hardening sets response headers that keep proxied third-party content
// embeddable in a broadcast canvas while staying inert: no sniffing, no
// referrer leakage back to upstreams, and cross-origin policies loose
// enough for OBS-style browser sources to load everything.
func Hardening() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		h.Set("Cross-Origin-Embedder-Policy", "unsafe-none")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		c.Next()
	}
}
