package wire

import (
	"strings"
	"time"
)

// timestampLayout is the wire format's UTC timestamp,
// yyyy-MM-dd'T'HH:mm:ss.S: fractional seconds are written with only as
// many digits as needed (up to nanoseconds) and are left out entirely
// for a whole second.
const timestampLayout = "2006-01-02T15:04:05.999999999"

// formatTimestamp renders t (converted to UTC) in the wire layout.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp parses a wire timestamp string back into a UTC time.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
