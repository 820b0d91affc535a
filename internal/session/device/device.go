// Package device derives human-readable device names from User-Agent
// strings for tenant-facing session listings.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

// DisplayName extracts a "Browser on OS" label from a User-Agent string
// (e.g. "Chrome on Linux", "Safari on iPhone").
func DisplayName(userAgentString string) string {
	if userAgentString == "" {
		return "Unknown Device"
	}

	ua := useragent.New(userAgentString)

	browser, _ := ua.Browser()
	os := ua.OS()

	if ua.Mobile() {
		platform := ua.Platform()
		if platform != "" {
			return strings.TrimSpace(browser + " on " + platform)
		}
	}

	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}

	return strings.TrimSpace(browser + " on " + os)
}
