package redis

import (
	"fmt"
	"strconv"
	"strings"
)

const fieldSeparator = "|"

// entryField builds the hash field for a subject/day pair
func entryField(subject, day string) string {
	return subject + fieldSeparator + day
}

// parseEntryField splits a hash field into subject and day. Subject IDs may
// contain the separator; the day never does.
func parseEntryField(field string) (subject, day string, err error) {
	i := strings.LastIndex(field, fieldSeparator)
	if i < 0 {
		return "", "", fmt.Errorf("malformed ledger field %q", field)
	}
	return field[:i], field[i+1:], nil
}

// parseSeconds parses a stored counter value
func parseSeconds(value string) (int64, error) {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse seconds: %w", err)
	}
	return seconds, nil
}
