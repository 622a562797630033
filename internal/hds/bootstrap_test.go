package hds

import (
	"bytes"
	"encoding/binary"
	"testing"

	"segdl/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func be64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func makeBox(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	return append(append(be32(uint32(8+len(body))), typ...), body...)
}

type bootstrapFixture struct {
	live        bool
	timeScale   uint32
	currentTime uint64
	segments    []SegmentRun
	fragments   []FragmentRun
}

func buildBootstrap(s bootstrapFixture) []byte {
	var asrt []byte
	asrt = append(asrt, be32(0)...) // version and flags
	asrt = append(asrt, 0)          // quality entries
	asrt = append(asrt, be32(uint32(len(s.segments)))...)
	for _, e := range s.segments {
		asrt = append(append(asrt, be32(e.FirstSegment)...), be32(e.FragmentsPerSegment)...)
	}

	var afrt []byte
	afrt = append(afrt, be32(0)...)
	afrt = append(afrt, be32(s.timeScale)...)
	afrt = append(afrt, 0)
	afrt = append(afrt, be32(uint32(len(s.fragments)))...)
	for _, e := range s.fragments {
		afrt = append(afrt, be32(e.FirstFragment)...)
		afrt = append(afrt, be64(e.FirstFragmentTimestamp)...)
		afrt = append(afrt, be32(e.FragmentDuration)...)
		if e.FragmentDuration == 0 {
			afrt = append(afrt, e.Discontinuity)
		}
	}

	var flags byte
	if s.live {
		flags |= 0x20
	}
	var abst []byte
	abst = append(abst, be32(0)...)
	abst = append(abst, be32(3)...) // bootstrap version
	abst = append(abst, flags)
	abst = append(abst, be32(s.timeScale)...)
	abst = append(abst, be64(s.currentTime)...)
	abst = append(abst, be64(0)...)
	abst = append(abst, "movie\x00"...)
	abst = append(abst, 0, 0) // servers, qualities
	abst = append(abst, 0, 0) // drm data, metadata
	abst = append(abst, 1)
	abst = append(abst, makeBox("asrt", asrt)...)
	abst = append(abst, 1)
	abst = append(abst, makeBox("afrt", afrt)...)
	return makeBox("abst", abst)
}

func TestParseBootstrap(t *testing.T) {
	data := buildBootstrap(bootstrapFixture{
		live:        true,
		timeScale:   1000,
		currentTime: 40000,
		segments:    []SegmentRun{{FirstSegment: 1, FragmentsPerSegment: 10}},
		fragments:   []FragmentRun{{FirstFragment: 1, FragmentDuration: 4000}},
	})
	b, err := ParseBootstrap(data)
	require.NoError(t, err)

	assert.True(t, b.Live)
	assert.False(t, b.Update)
	assert.Equal(t, uint32(3), b.Version)
	assert.Equal(t, uint32(1000), b.TimeScale)
	assert.Equal(t, uint64(40000), b.CurrentMediaTime)
	assert.Equal(t, "movie", b.MovieIdentifier)
	require.Len(t, b.FragmentRuns, 1)
	assert.Equal(t, uint32(1000), b.FragmentRuns[0].TimeScale)

	first, last := b.fragmentRange()
	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(10), last)

	duration, invalid, end := b.fragmentInfo(last)
	assert.Equal(t, 4.0, duration)
	assert.Empty(t, invalid)
	assert.Zero(t, end)
	assert.Equal(t, uint32(1), b.segmentOf(7, first, last))
}

func TestParseBootstrap_Errors(t *testing.T) {
	_, err := ParseBootstrap(makeBox("moov", []byte{1, 2, 3}))
	assert.Error(t, err)

	data := buildBootstrap(bootstrapFixture{
		timeScale: 1000,
		segments:  []SegmentRun{{FirstSegment: 1, FragmentsPerSegment: 1}},
		fragments: []FragmentRun{{FirstFragment: 1, FragmentDuration: 4000}},
	})
	_, err = ParseBootstrap(data[:len(data)-10])
	assert.Error(t, err)
}

func TestBootstrap_EndOfPresentation(t *testing.T) {
	b, err := ParseBootstrap(buildBootstrap(bootstrapFixture{
		live:        true,
		timeScale:   1000,
		currentTime: 20000,
		segments:    []SegmentRun{{FirstSegment: 1, FragmentsPerSegment: 5}},
		fragments: []FragmentRun{
			{FirstFragment: 1, FragmentDuration: 4000},
			{FirstFragment: 6, FirstFragmentTimestamp: 20000, Discontinuity: 0},
			{FirstFragment: 7, FirstFragmentTimestamp: 20000, FragmentDuration: 2000},
		},
	}))
	require.NoError(t, err)

	first, last := b.fragmentRange()
	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(5), last)

	duration, invalid, end := b.fragmentInfo(last)
	assert.Equal(t, 4.0, duration)
	assert.Equal(t, map[uint32]bool{6: true}, invalid)
	assert.Equal(t, uint32(5), end)
}

func TestBootstrap_SegmentOf(t *testing.T) {
	forward := &Bootstrap{SegmentRuns: []SegmentRunTable{{Entries: []SegmentRun{
		{FirstSegment: 1, FragmentsPerSegment: 3},
		{FirstSegment: 2, FragmentsPerSegment: 3},
	}}}}
	assert.Equal(t, uint32(1), forward.segmentOf(2, 1, 6))
	assert.Equal(t, uint32(2), forward.segmentOf(5, 1, 6))
	assert.Equal(t, uint32(1), forward.segmentOf(40, 1, 6))

	reversed := &Bootstrap{SegmentRuns: []SegmentRunTable{{Entries: []SegmentRun{
		{FirstSegment: 5, FragmentsPerSegment: 2},
		{FirstSegment: 6, FragmentsPerSegment: 2},
	}}}}
	assert.Equal(t, uint32(6), reversed.segmentOf(20, 1, 20))
	assert.Equal(t, uint32(5), reversed.segmentOf(17, 1, 20))
	assert.Equal(t, uint32(1), reversed.segmentOf(3, 1, 20))
}

func TestNextBox(t *testing.T) {
	large := append(append(be32(1), "free"...), be64(16+3)...)
	large = append(large, 'a', 'b', 'c')
	data := append(large, makeBox("mdat", []byte("payload"))...)

	c := &cursor{b: data}
	b, err := c.nextBox()
	require.NoError(t, err)
	assert.Equal(t, "free", b.typ)
	assert.Equal(t, []byte("abc"), b.payload)

	mdat, err := findMdat(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), mdat)

	_, err = findMdat(makeBox("afra", []byte{0}))
	assert.Error(t, err)

	bad := append(be32(100), "mdat"...)
	_, err = findMdat(bad)
	assert.Error(t, err)
}

func rawTag(typ uint8, ts uint32, data string) []byte {
	var buf bytes.Buffer
	_ = writeTag(&buf, flvTag{typ: typ, timestamp: ts, data: []byte(data)})
	return buf.Bytes()
}

func TestConcat(t *testing.T) {
	first := bytes.Join([][]byte{
		rawTag(8, 1000, "audio"),
		rawTag(18, 1000, "fragment-meta"),
		rawTag(9, 1000, "video"),
		rawTag(9, 0x1000040, "video-ext"),
	}, nil)
	tags, err := readTags(first)
	require.NoError(t, err)
	require.Len(t, tags, 4)
	assert.Equal(t, uint32(0x1000040), tags[3].timestamp)

	c := newConcat([]byte("manifest-meta"))
	var out bytes.Buffer
	require.NoError(t, c.write(&out, tags))

	tags, err = readTags(rawTag(9, 1080, "next"))
	require.NoError(t, err)
	require.NoError(t, c.write(&out, tags))

	b := out.Bytes()
	assert.Equal(t, []byte{'F', 'L', 'V', 1, 0x05, 0, 0, 0, 9, 0, 0, 0, 0}, b[:13])

	got, err := readTags(b[13:])
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, uint8(18), got[0].typ)
	assert.Equal(t, "manifest-meta", string(got[0].data))
	assert.Zero(t, got[0].timestamp)
	assert.Equal(t, "audio", string(got[1].data))
	assert.Zero(t, got[1].timestamp)
	assert.Equal(t, "video", string(got[2].data))
	assert.Equal(t, uint32(0x1000040-1000), got[3].timestamp)
	assert.Equal(t, "next", string(got[4].data))
	assert.Equal(t, uint32(80), got[4].timestamp)
}

func TestReadTags_Encrypted(t *testing.T) {
	_, err := readTags(rawTag(9|0x20, 0, "sealed"))
	assert.ErrorIs(t, err, models.ErrUnsupportedStream)

	_, err = readTags(rawTag(9, 0, "short")[:12])
	assert.Error(t, err)
}
