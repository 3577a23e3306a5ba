package xmltv

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the XMLTV date format: YYYYMMDDHHmmss ±HHMM.
const TimeLayout = "20060102150405 -0700"

// FormatTime renders t in XMLTV form. Stored start/stop values are compared
// as strings, so query bounds must be produced with the same offset the feed
// uses; feeds that mix offsets sort incorrectly.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime parses an XMLTV timestamp, with or without the zone offset.
// It is only used to validate caller-supplied bounds; stored values are
// never converted.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{TimeLayout, "20060102150405", "200601021504"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse xmltv time %q", s)
}
