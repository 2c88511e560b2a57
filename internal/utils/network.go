package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// ConfigureTrustedProxies restricts which peers may set the client address.
// Forwarding headers from any other peer are ignored and c.ClientIP() falls
// back to the connection's remote address. An empty list trusts no proxy.
func ConfigureTrustedProxies(engine *gin.Engine, proxies []string) error {
	engine.ForwardedByClientIP = true
	engine.RemoteIPHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	if len(proxies) == 0 {
		return engine.SetTrustedProxies(nil)
	}
	return engine.SetTrustedProxies(proxies)
}

// GetUserAgent extracts the User-Agent header from the request
func GetUserAgent(c *gin.Context) string {
	ua := c.Request.UserAgent()
	if ua == "" {
		return "Unknown"
	}
	return ua
}

// IPInList reports whether ip equals one of entries or falls inside one of
// the CIDR entries. Unparseable entries never match.
func IPInList(ip string, entries []string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, subnet, err := net.ParseCIDR(entry); err == nil && subnet.Contains(parsed) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(parsed) {
			return true
		}
	}
	return false
}
