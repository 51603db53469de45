package playback

import (
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte range within a resource of known size.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ParseRange parses a `Range: bytes=start-end` header against the
// resource size. Supported forms: "bytes=a-b", "bytes=a-" (to end) and
// "bytes=-n" (last n bytes). Malformed or unsatisfiable ranges return
// ok=false so the caller degrades to full content instead of failing.
func ParseRange(header string, size int64) (ByteRange, bool) {
	if header == "" || size <= 0 {
		return ByteRange{}, false
	}
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found {
		return ByteRange{}, false
	}
	// Multi-range requests are not supported; serve full content.
	if strings.Contains(spec, ",") {
		return ByteRange{}, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return ByteRange{}, false
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	// Suffix form: bytes=-n means the last n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return ByteRange{Start: start, End: end}, true
}

// ContentRange renders the Content-Range header value for a partial
// response.
func (r ByteRange) ContentRange(size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10) + "/" + strconv.FormatInt(size, 10)
}
