// Package browser parses configured browser identifiers into profiles and
// maps worker user agents onto them.
package browser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Profile is a configured browser identity. Version 0 matches any version.
type Profile struct {
	ID            string `json:"id"`
	Family        string `json:"family"`
	Version       int    `json:"version"`
	AcceptsManual bool   `json:"accepts_manual"`
}

var idPattern = regexp.MustCompile(`^([A-Za-z]+)(\d*)$`)

// ParseID splits an identifier like "ie11" into family "ie" and version 11.
// It reports false for identifiers that do not follow letters+digits.
func ParseID(id string) (Profile, bool) {
	raw := strings.TrimSpace(id)
	match := idPattern.FindStringSubmatch(raw)
	if match == nil {
		return Profile{}, false
	}
	version := 0
	if match[2] != "" {
		parsed, err := strconv.Atoi(match[2])
		if err != nil {
			return Profile{}, false
		}
		version = parsed
	}
	return Profile{
		ID:      raw,
		Family:  strings.ToLower(match[1]),
		Version: version,
	}, true
}

// Matches reports whether a worker of the given family and version can run
// work addressed to this profile.
func (p Profile) Matches(family string, version int) bool {
	if p.Family != strings.ToLower(family) {
		return false
	}
	return p.Version == 0 || p.Version == version
}

// SortIDs returns the de-duplicated ids in natural order, comparing digit
// runs numerically so ie9 sorts before ie10.
func SortIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return naturalLess(out[i], out[j])
	})
	return out
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ca, cb := a[0], b[0]
		if isDigit(ca) && isDigit(cb) {
			na, restA := digitRun(a)
			nb, restB := digitRun(b)
			ta := strings.TrimLeft(na, "0")
			tb := strings.TrimLeft(nb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			a, b = restA, restB
			continue
		}
		if ca != cb {
			return ca < cb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func digitRun(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
