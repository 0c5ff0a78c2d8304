package stream

import (
	"errors"
	"strconv"
	"strings"
)

var ErrUnsatisfiable = errors.New("range not satisfiable")

// Range is an inclusive byte span.
type Range struct {
	Start, End int64
}

func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ParseRange interprets a Range header against a body of size bytes. It
// returns nil when the whole body should be sent: no header, a unit other
// than bytes, or several ranges.
func ParseRange(header string, size int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || size <= 0 {
		return nil, ErrUnsatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, ErrUnsatisfiable
	}

	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, ErrUnsatisfiable
		}
		if end >= size {
			end = size - 1
		}
	}

	return &Range{Start: start, End: end}, nil
}
