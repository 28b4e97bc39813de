// Package validation provides input validation middleware for the Sentry API.
package validation

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIP checks if a string is a valid IPv4 or IPv6 address
func IsValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// IPParamMiddleware validates the :ip URL parameter on routes that use it.
// Apply to route groups that include :ip params to reject malformed
// addresses early. No-op when the param is absent.
func IPParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.Param("ip")
		if ip != "" && !IsValidIP(ip) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_ip",
				"message": "ip must be a valid IPv4 or IPv6 address",
			})
			return
		}
		c.Next()
	}
}
