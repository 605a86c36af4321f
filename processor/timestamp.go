package processor

import "time"

// timestampLayouts are tried in order; the first successful parse wins.
// The two zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a trade timestamp. ok is false when no layout
// matches; such trades are kept but sort after every parseable one.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
