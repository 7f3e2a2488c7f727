package browser

import (
	"strconv"
	"strings"

	"github.com/mssola/user_agent"
)

var familyNames = map[string]string{
	"Internet Explorer": "ie",
	"Chrome":            "chrome",
	"Chromium":          "chrome",
	"Firefox":           "firefox",
	"Safari":            "safari",
	"Edge":              "edge",
	"Opera":             "opera",
}

// ParseUserAgent maps a user agent header to a profile family and major
// version. Unrecognised browsers yield an empty family.
func ParseUserAgent(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}
	ua := user_agent.New(raw)
	name, version := ua.Browser()
	family, ok := familyNames[name]
	if !ok {
		family = strings.ToLower(strings.ReplaceAll(name, " ", ""))
	}
	major, _, _ := strings.Cut(version, ".")
	parsed, err := strconv.Atoi(major)
	if err != nil {
		parsed = 0
	}
	return family, parsed
}
