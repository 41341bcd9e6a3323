package domain

import "strings"

var browsers = []struct{ token, name string }{
	// Order matters: Edge and Opera UAs also contain "Chrome", Chrome UAs contain "Safari".
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"Firefox/", "Firefox"},
	{"Chrome/", "Chrome"},
	{"CriOS/", "Chrome"},
	{"Safari/", "Safari"},
}

var platforms = []struct{ token, name string }{
	{"iPhone", "iPhone"},
	{"iPad", "iPad"},
	{"Android", "Android"},
	{"CrOS", "ChromeOS"},
	{"Windows", "Windows"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

// NameFromUserAgent derives a display name such as "Chrome on Windows" from a raw User-Agent.
func NameFromUserAgent(ua string) string {
	browser := "Unknown browser"
	for _, b := range browsers {
		if strings.Contains(ua, b.token) {
			browser = b.name
			break
		}
	}
	platform := "unknown device"
	for _, p := range platforms {
		if strings.Contains(ua, p.token) {
			platform = p.name
			break
		}
	}
	return browser + " on " + platform
}
