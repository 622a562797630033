package hls_test

import (
	"testing"

	"segdl/internal/hls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42
#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin",IV=0x0102
#EXTINF:5.5,first
seg42.ts
#EXT-X-BYTERANGE:1000@200
#EXTINF:6.0,
media.ts
#EXT-X-KEY:METHOD=NONE
#EXT-X-BYTERANGE:500
#EXTINF:6.0,
media.ts
#EXT-X-DISCONTINUITY
#EXTINF:4.0,
https://cdn.example/abs.ts?token=a,b
#EXT-X-ENDLIST
`

func TestParsePlaylist_Media(t *testing.T) {
	p, err := hls.ParsePlaylist(mediaPlaylist, "https://origin.example/live/index.m3u8")
	require.NoError(t, err)

	assert.False(t, p.IsMaster)
	assert.True(t, p.EndList)
	assert.Equal(t, 4, p.Version)
	assert.Equal(t, 6.0, p.TargetDuration)
	assert.Equal(t, uint64(42), p.MediaSequence)
	require.Len(t, p.Segments, 4)

	first := p.Segments[0]
	assert.Equal(t, "https://origin.example/live/seg42.ts", first.URI)
	assert.Equal(t, 5.5, first.Duration)
	assert.Equal(t, "first", first.Title)
	require.NotNil(t, first.Key)
	assert.Equal(t, "AES-128", first.Key.Method)
	assert.Equal(t, "https://origin.example/live/keys/k1.bin", first.Key.URI)
	assert.Equal(t, []byte{0x01, 0x02}, first.Key.IV)

	second := p.Segments[1]
	require.NotNil(t, second.ByteRange)
	assert.True(t, second.ByteRange.HasOffset)
	assert.Equal(t, int64(200), second.ByteRange.Offset)
	assert.Equal(t, int64(1000), second.ByteRange.Length)
	assert.NotNil(t, second.Key)

	third := p.Segments[2]
	assert.Nil(t, third.Key, "METHOD=NONE clears the key")
	require.NotNil(t, third.ByteRange)
	assert.False(t, third.ByteRange.HasOffset)
	assert.Equal(t, int64(500), third.ByteRange.Length)

	assert.True(t, p.Segments[3].Discontinuity)
	assert.Equal(t, "https://cdn.example/abs.ts?token=a,b", p.Segments[3].URI)
}

const masterPlaylist = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English, main",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aud"
mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,FRAME-RATE=29.970
high/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=90000,RESOLUTION=1920x1080,URI="high/iframes.m3u8"
`

func TestParsePlaylist_Master(t *testing.T) {
	p, err := hls.ParsePlaylist(masterPlaylist, "https://origin.example/master.m3u8")
	require.NoError(t, err)

	assert.True(t, p.IsMaster)
	require.Len(t, p.Variants, 4)
	assert.Equal(t, "https://origin.example/low/index.m3u8", p.Variants[0].URI)
	assert.Equal(t, int64(800000), p.Variants[0].Bandwidth)
	assert.Equal(t, "avc1.4d401e,mp4a.40.2", p.Variants[0].Codecs)
	assert.Equal(t, 360, p.Variants[0].Height)
	assert.Equal(t, 29.97, p.Variants[2].FrameRate)
	assert.True(t, p.Variants[3].IFrameOnly)

	require.Len(t, p.Media, 1)
	assert.Equal(t, "English, main", p.Media[0].Name)
	assert.Equal(t, "https://origin.example/audio/en.m3u8", p.Media[0].URI)
	assert.True(t, p.Media[0].Default)
}

func TestParsePlaylist_Invalid(t *testing.T) {
	_, err := hls.ParsePlaylist("not a playlist", "https://origin.example/")
	assert.Error(t, err)

	_, err = hls.ParsePlaylist("", "https://origin.example/")
	assert.Error(t, err)

	_, err = hls.ParsePlaylist("#EXTM3U\n#EXTINF:abc,\nseg.ts\n", "https://origin.example/")
	assert.Error(t, err)
}

func TestSelectVariant(t *testing.T) {
	p, err := hls.ParsePlaylist(masterPlaylist, "https://origin.example/master.m3u8")
	require.NoError(t, err)

	tests := []struct {
		quality string
		want    string
	}{
		{"best", "https://origin.example/high/index.m3u8"},
		{"", "https://origin.example/high/index.m3u8"},
		{"worst", "https://origin.example/low/index.m3u8"},
		{"720p", "https://origin.example/mid/index.m3u8"},
		{"800k", "https://origin.example/low/index.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.quality, func(t *testing.T) {
			v, err := hls.SelectVariant(p.Variants, tt.quality)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.URI)
		})
	}

	_, err = hls.SelectVariant(p.Variants, "480p")
	assert.ErrorContains(t, err, "360p, 720p, 1080p")
}
