package transfer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned when a Range header selects no bytes of
// the object.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// ByteRange is the half-open interval [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes in r.
func (r ByteRange) Length() int64 {
	return r.End - r.Start
}

// ContentRange formats r for the Content-Range header of a 206 response.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End-1, size)
}

// ParseRange parses a Range header against an object of size bytes.
//
// Only the bytes unit is understood. Each range may be "first-last",
// "first-" or "-suffix"; last is clamped to the object. Ranges that are
// malformed or fall outside the object are skipped. ErrRangeNotSatisfiable
// is returned when nothing is left.
func ParseRange(header string, size int64) ([]ByteRange, error) {
	const unit = "bytes="
	if !strings.HasPrefix(header, unit) {
		return nil, ErrRangeNotSatisfiable
	}

	var ranges []ByteRange
	for _, part := range strings.Split(header[len(unit):], ",") {
		first, last, ok := strings.Cut(strings.TrimSpace(part), "-")
		if !ok {
			continue
		}
		first, last = strings.TrimSpace(first), strings.TrimSpace(last)

		var r ByteRange
		switch {
		case first == "" && last == "":
			continue
		case first == "":
			n, err := strconv.ParseInt(last, 10, 64)
			if err != nil || n < 0 {
				continue
			}
			r = ByteRange{Start: max(0, size-n), End: size}
		case last == "":
			n, err := strconv.ParseInt(first, 10, 64)
			if err != nil {
				continue
			}
			r = ByteRange{Start: n, End: size}
		default:
			start, err1 := strconv.ParseInt(first, 10, 64)
			end, err2 := strconv.ParseInt(last, 10, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			r = ByteRange{Start: start, End: min(end+1, size)}
		}

		if 0 <= r.Start && r.Start < r.End && r.End <= size {
			ranges = append(ranges, r)
		}
	}

	if len(ranges) == 0 {
		return nil, ErrRangeNotSatisfiable
	}
	return ranges, nil
}
