package ilp

import (
	"errors"
	"fmt"
	"time"
)

// TimestampLength is the length of an ILP timestamp (YYYYMMDDHHmmssSSS).
const TimestampLength = 17

var ErrInvalidTimestamp = errors.New("invalid ilp timestamp")

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d", t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond))
}

// ParseTimestamp parses a 17 digit UTC ILP timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) != TimestampLength {
		return time.Time{}, fmt.Errorf("%w: length %d", ErrInvalidTimestamp, len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
		}
	}

	base, err := time.ParseInLocation("20060102150405", s[:14], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	ms := int(s[14]-'0')*100 + int(s[15]-'0')*10 + int(s[16]-'0')
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}
