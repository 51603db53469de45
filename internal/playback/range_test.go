package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		size   int64
		want   ByteRange
		ok     bool
	}{
		{name: "bounded", header: "bytes=100-199", size: 1000, want: ByteRange{100, 199}, ok: true},
		{name: "open ended", header: "bytes=500-", size: 1000, want: ByteRange{500, 999}, ok: true},
		{name: "suffix", header: "bytes=-200", size: 1000, want: ByteRange{800, 999}, ok: true},
		{name: "suffix larger than size", header: "bytes=-5000", size: 1000, want: ByteRange{0, 999}, ok: true},
		{name: "end clamped to size", header: "bytes=900-2000", size: 1000, want: ByteRange{900, 999}, ok: true},
		{name: "single byte", header: "bytes=0-0", size: 1000, want: ByteRange{0, 0}, ok: true},
		{name: "empty header", header: "", size: 1000, ok: false},
		{name: "no bytes prefix", header: "items=0-10", size: 1000, ok: false},
		{name: "multi range unsupported", header: "bytes=0-10,20-30", size: 1000, ok: false},
		{name: "start past end of resource", header: "bytes=1000-", size: 1000, ok: false},
		{name: "inverted", header: "bytes=200-100", size: 1000, ok: false},
		{name: "garbage", header: "bytes=abc-def", size: 1000, ok: false},
		{name: "zero size", header: "bytes=0-10", size: 0, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRange(tt.header, tt.size)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestByteRangeLength(t *testing.T) {
	assert.Equal(t, int64(100), ByteRange{Start: 100, End: 199}.Length())
	assert.Equal(t, int64(1), ByteRange{Start: 0, End: 0}.Length())
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "bytes 100-199/1000", ByteRange{Start: 100, End: 199}.ContentRange(1000))
}
