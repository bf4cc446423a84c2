package events

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CanonicalLayout is the only layout written to the wire: UTC with millisecond precision.
const CanonicalLayout = "2006-01-02T15:04:05.000Z"

const (
	layoutMillisZ   = "2006-01-02T15:04:05.000Z07:00"
	layoutLocal     = "2006-01-02T15:04:05"
	layoutOffsetISO = time.RFC3339
)

// Timestamp is an instant that decodes leniently and always encodes canonically.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns t truncated to the precision that survives a wire round trip.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// ParseTimestamp accepts every shape older producers have written:
//
//	2011-12-03T10:15:30.247Z             millisecond fraction, UTC designator
//	2022-12-09T21:00:33.377302600Z       nanosecond fraction
//	2022-12-10T10:01:26+01:00            ISO offset, no fraction
//	2011-12-03T10:15:30                  bare local date-time, taken as UTC
//	2022-12-03T14:15:30,928228300+01:00  comma fraction with offset
//
// Anything else falls through to RFC 3339 with optional fraction.
func ParseTimestamp(text string) (time.Time, error) {
	var (
		t   time.Time
		err error
	)
	switch len(text) {
	case 24:
		t, err = time.Parse(layoutMillisZ, text)
	case 25:
		t, err = time.Parse(layoutOffsetISO, text)
	case 19:
		t, err = time.ParseInLocation(layoutLocal, text, time.UTC)
	default:
		t, err = time.Parse(time.RFC3339Nano, commaToDot(text))
	}
	if err != nil {
		t, err = parseFallback(text)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q: %w", text, err)
	}
	return t.UTC(), nil
}

func parseFallback(text string) (time.Time, error) {
	normalized := commaToDot(text)
	t, err := time.Parse(time.RFC3339Nano, normalized)
	if err == nil {
		return t, nil
	}
	// local date-time with a fraction the layout does not name
	if local, localErr := time.ParseInLocation(layoutLocal, normalized, time.UTC); localErr == nil {
		return local, nil
	}
	return time.Time{}, err
}

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(CanonicalLayout)
}

func commaToDot(text string) string {
	// only the fraction separator, which always follows the seconds field
	if i := strings.IndexByte(text, ','); i == 19 {
		return text[:i] + "." + text[i+1:]
	}
	return text
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(FormatTimestamp(t.Time))), nil
}

// UnmarshalJSON implements json.Unmarshaler. JSON numbers are epoch milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		millis, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("unparseable timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	text, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("unparseable timestamp %s: %w", data, err)
	}
	parsed, err := ParseTimestamp(text)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// String returns the canonical form.
func (t Timestamp) String() string {
	return FormatTimestamp(t.Time)
}
