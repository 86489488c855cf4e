package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VersionTimeLayout is the timestamp portion of a version key
const VersionTimeLayout = "2006-01-02_15-04-05"

const scoreSeparator = "_acc_"

// VersionID identifies a version within a family. Its string form sorts
// lexically in creation order.
type VersionID string

// NewVersionID builds the key for a version created at ts with the given score
func NewVersionID(ts time.Time, score float64) VersionID {
	return VersionID(fmt.Sprintf("%s%s%.4f", ts.UTC().Format(VersionTimeLayout), scoreSeparator, score))
}

// ParseVersionID validates a key and returns its timestamp and score
func ParseVersionID(s string) (VersionID, time.Time, float64, error) {
	idx := strings.Index(s, scoreSeparator)
	if idx != len(VersionTimeLayout) {
		return "", time.Time{}, 0, fmt.Errorf("malformed version id %q", s)
	}

	ts, err := time.ParseInLocation(VersionTimeLayout, s[:idx], time.UTC)
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("malformed version timestamp %q: %w", s, err)
	}

	raw := s[idx+len(scoreSeparator):]
	dot := strings.IndexByte(raw, '.')
	if dot < 1 || len(raw)-dot-1 != 4 {
		return "", time.Time{}, 0, fmt.Errorf("malformed version score %q", s)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("malformed version score %q: %w", s, err)
	}

	return VersionID(s), ts, score, nil
}

// Time returns the creation timestamp encoded in the key
func (v VersionID) Time() time.Time {
	_, ts, _, err := ParseVersionID(string(v))
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Score returns the score encoded in the key (rounded to four decimals)
func (v VersionID) Score() float64 {
	_, _, score, err := ParseVersionID(string(v))
	if err != nil {
		return 0
	}
	return score
}

func (v VersionID) String() string {
	return string(v)
}
