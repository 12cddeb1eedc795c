// Package thumbnail provides the shared identifiers of the thumbnail domain:
// video ids, frame offsets and their canonical textual form.
//
// The canonical form of an offset is the shortest decimal string that
// round-trips the float64 value ("5.3", "0", "17"). Every subsystem that
// names an offset (artifact filenames, job ids, pub/sub channels, response
// headers) goes through FormatTime so that "5.30" and "5.3" can never refer
// to two different artifacts.
package thumbnail

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Errors reported for malformed request parameters.
var (
	ErrInvalidVideoID = errors.New("invalid video id")
	ErrInvalidTime    = errors.New("invalid time")
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ValidVideoID reports whether s is a well-formed video id. The character
// class excludes path separators, so a valid id can never escape the cache
// root when joined into a path.
func ValidVideoID(s string) bool {
	return videoIDPattern.MatchString(s)
}

// ParseVideoID validates s and returns it unchanged.
func ParseVideoID(s string) (string, error) {
	if !ValidVideoID(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoID, s)
	}
	return s, nil
}

// ParseTime parses a frame offset in seconds. Offsets must be finite and
// non-negative.
func ParseTime(s string) (float64, error) {
	t, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	if !ValidTime(t) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t, nil
}

// ValidTime reports whether t is a usable frame offset. Offsets arriving via
// queue records bypass ParseTime and are re-checked with this.
func ValidTime(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t >= 0
}

// FormatTime renders t in its canonical textual form.
func FormatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// JobID returns the fingerprint of a (video, offset) pair. It doubles as the
// pub/sub channel name for generation status.
func JobID(videoID string, t float64) string {
	return videoID + "-" + FormatTime(t)
}

// RoundToFrame snaps t down to the nearest frame boundary so that the
// extracted frame matches what a browser paused at t renders. 60fps videos
// accumulate a rounding error that makes the boundary itself render the next
// frame, so they get nudged back a hundredth of a second.
func RoundToFrame(t, fps float64) float64 {
	if fps <= 0 {
		fps = 30
	}
	rounded := math.Trunc(t*fps) / fps
	if fps == 60 {
		rounded = math.Max(0, rounded-1.0/100)
	}
	return rounded
}

// TruncMillis renders t truncated to millisecond precision, in canonical
// form. Artifact lookups use it as a filename prefix to repair formatting
// drift between producers.
func TruncMillis(t float64) string {
	return FormatTime(math.Floor(t*1000) / 1000)
}
