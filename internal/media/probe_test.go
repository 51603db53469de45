package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeFixture = `{
  "format": {
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "120.500000",
    "size": "10485760"
  },
  "streams": [
    {
      "index": 0,
      "codec_type": "video",
      "codec_name": "h264",
      "width": 1920,
      "height": 1080,
      "r_frame_rate": "30000/1001"
    },
    {
      "index": 1,
      "codec_type": "audio",
      "codec_name": "aac",
      "channels": 2,
      "sample_rate": "48000",
      "tags": {"language": "eng", "title": "English"}
    },
    {
      "index": 2,
      "codec_type": "audio",
      "codec_name": "aac",
      "channels": 2,
      "sample_rate": "44100",
      "tags": {"language": "jpn"}
    },
    {
      "index": 3,
      "codec_type": "audio",
      "codec_name": "ac3",
      "channels": 6,
      "sample_rate": "48000"
    }
  ]
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(probeFixture), 0)
	require.NoError(t, err)

	assert.InDelta(t, 120.5, info.Duration, 0.001)
	assert.Equal(t, int64(10485760), info.Size)
	assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", info.Format)

	require.NotNil(t, info.Video)
	assert.Equal(t, "h264", info.Video.Codec)
	assert.Equal(t, 1920, info.Video.Width)
	assert.Equal(t, 1080, info.Video.Height)
	assert.InDelta(t, 29.97, info.Video.FPS, 0.01)

	require.Len(t, info.Audio, 3)
	assert.Equal(t, 0, info.Audio[0].Index)
	assert.Equal(t, "eng", info.Audio[0].Language)
	assert.Equal(t, "English", info.Audio[0].Title)
	assert.Equal(t, 48000, info.Audio[0].SampleRate)

	// Missing title falls back to positional naming, missing tags block
	// falls back entirely.
	assert.Equal(t, "jpn", info.Audio[1].Language)
	assert.Equal(t, "Track 2", info.Audio[1].Title)
	assert.Equal(t, "unknown", info.Audio[2].Language)
	assert.Equal(t, "Track 3", info.Audio[2].Title)
	assert.Equal(t, 6, info.Audio[2].Channels)
}

func TestParseProbeOutputAudioCap(t *testing.T) {
	info, err := parseProbeOutput([]byte(probeFixture), 1)
	require.NoError(t, err)
	require.Len(t, info.Audio, 1)
	assert.Equal(t, "eng", info.Audio[0].Language)
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	_, err := parseProbeOutput([]byte("not json"), 0)
	assert.Error(t, err)
}

func TestParseProbeOutputNoStreams(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{"format":{"duration":"5.0"}}`), 0)
	require.NoError(t, err)
	assert.Nil(t, info.Video)
	assert.Empty(t, info.Audio)
	assert.InDelta(t, 5.0, info.Duration, 0.001)
}

func TestParseFrameRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.01)
	assert.InDelta(t, 25.0, parseFrameRate("25/1"), 0.001)
	assert.InDelta(t, 24.0, parseFrameRate("24"), 0.001)
	assert.Zero(t, parseFrameRate(""))
	assert.Zero(t, parseFrameRate("30/0"))
	assert.Zero(t, parseFrameRate("abc"))
}
