package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// ClientInfo holds parsed information from a gateway's User-Agent string
type ClientInfo struct {
	Browser    string `json:"browser"`
	BrowserVer string `json:"browser_ver"`
	OS         string `json:"os"`
	IsBot      bool   `json:"is_bot"`
	Raw        string `json:"raw"`
}

// botIndicators are substrings that mark automated clients the parser misses
var botIndicators = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"headless",
}

// ParseUserAgent parses a User-Agent string and extracts client information
func ParseUserAgent(userAgent string) ClientInfo {
	if userAgent == "" || userAgent == "Unknown" {
		return ClientInfo{
			Browser: "Unknown",
			OS:      "Unknown",
			Raw:     userAgent,
		}
	}

	parser := ua.New(userAgent)
	name, version := parser.Browser()
	if name == "" {
		name = "Unknown"
	}

	info := ClientInfo{
		Browser:    name,
		BrowserVer: version,
		OS:         getOS(parser),
		IsBot:      parser.Bot(),
		Raw:        userAgent,
	}
	return info
}

// getOS extracts operating system name and version
func getOS(parser *ua.UserAgent) string {
	osInfo := parser.OSInfo()
	if osInfo.Name == "" {
		return "Unknown"
	}
	if osInfo.Version != "" {
		return osInfo.Name + " " + osInfo.Version
	}
	return osInfo.Name
}

// IsSuspiciousUserAgent reports bot-like clients, either detected by the
// parser or containing a well-known automation keyword
func IsSuspiciousUserAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	if ParseUserAgent(userAgent).IsBot {
		return true
	}
	lower := strings.ToLower(userAgent)
	for _, indicator := range botIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
