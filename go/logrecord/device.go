package logrecord

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mobile is matched first: Android phones carry a "Mobile" token while
// Android tablets don't, so any "android" user-agent reaching the tablet
// pattern is a tablet.
var (
	mobileRE = regexp.MustCompile(`(?i)mobile|iphone|ipod|blackberry|iemobile|opera mini`)
	tabletRE = regexp.MustCompile(`(?i)tablet|ipad|playbook|silk|kindle|android`)
)

var deviceCache, _ = lru.New[string, string](4096)

// classifyDevice maps a user-agent to "mobile", "tablet", or "desktop".
// An empty user-agent classifies as "". Classifications are cached, as
// a busy listener sees the same handful of agents over and over.
func classifyDevice(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	if class, ok := deviceCache.Get(userAgent); ok {
		return class
	}

	var class string
	switch {
	case mobileRE.MatchString(userAgent):
		class = "mobile"
	case tabletRE.MatchString(userAgent):
		class = "tablet"
	default:
		class = "desktop"
	}
	deviceCache.Add(userAgent, class)
	return class
}
