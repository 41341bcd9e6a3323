package kiosk

import (
	"os"
	"runtime"
	"strings"
	"time"

	"schoolhub/backend/internal/security"
)

// TerminalFingerprint describes this terminal the way a browser describes itself. It is computed
// once at startup; every request of the session must present the same values.
func TerminalFingerprint(version string) security.Fingerprint {
	return security.Fingerprint{
		UserAgent:        "schoolhub-kiosk/" + version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")",
		Language:         language(os.Getenv("LC_ALL"), os.Getenv("LANG")),
		Timezone:         timezone(),
		ScreenResolution: "terminal",
		ColorDepth:       24,
		Platform:         runtime.GOOS + " " + runtime.GOARCH,
		CookiesEnabled:   true,
	}
}

// language turns a POSIX locale such as de_DE.UTF-8 into a BCP 47 tag.
func language(candidates ...string) string {
	for _, v := range candidates {
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return "en-US"
}

func timezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	return "UTC"
}
