package sp24

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// vpdir responses are flat semicolon-separated pairs:
//
//	PlanKl20240108.xml;08.01.2024 07:43;PlanKl20240109.xml;08.01.2024 14:02;...
//
// The listing also contains the always-current alias (Klassen.xml etc.),
// which duplicates the newest dated entry.
const vpdirTimeLayout = "02.01.2006 15:04"

var planFilenameRe = regexp.MustCompile(`^(?:PlanKl|PlanLe|PlanRa|VplanKl|VplanLe)(\d{8})\.xml$`)

var sentinelFiles = map[string]bool{
	"Klassen.xml": true,
	"Lehrer.xml":  true,
	"Raeume.xml":  true,
}

// ParseVPDir parses a vpdir.php response into a filename to last-modified
// mapping. Timestamps are declared in UTC by the remote.
func ParseVPDir(body string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)

	parts := strings.Split(body, ";")
	for i := 0; i+1 < len(parts); i += 2 {
		filename := strings.TrimSpace(parts[i])
		if filename == "" {
			continue
		}

		modified, err := time.ParseInLocation(vpdirTimeLayout, strings.TrimSpace(parts[i+1]), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid listing timestamp for %q: %w", filename, err)
		}

		out[filename] = modified
	}

	return out, nil
}

// IsSentinel reports whether the filename is an always-current alias that
// duplicates a dated entry and must be skipped while crawling.
func IsSentinel(filename string) bool {
	return sentinelFiles[filename]
}

// PlanFilenameDate resolves a dated plan filename such as
// "PlanKl20240101.xml" to its calendar date. It returns false for
// sentinels and any other non-dated file in the listing.
func PlanFilenameDate(filename string) (time.Time, bool) {
	m := planFilenameRe.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}, false
	}

	date, err := time.ParseInLocation(planDateUsed, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}

	return date, true
}
