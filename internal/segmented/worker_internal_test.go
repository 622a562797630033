package segmented

import (
	"testing"
	"time"

	"segdl/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestDurationToOrdinal(t *testing.T) {
	segs := []*models.Segment{
		{Ordinal: 10, Duration: 4},
		{Ordinal: 11, Duration: 4},
		{Ordinal: 12, Duration: 4},
		{Ordinal: 13, Duration: 4},
	}

	assert.Equal(t, uint64(12), durationToOrdinal(segs, 8, true))
	assert.Equal(t, uint64(11), durationToOrdinal(segs, 1, true))
	assert.Equal(t, uint64(11), durationToOrdinal(segs, 8, false))
	assert.Equal(t, uint64(13), durationToOrdinal(segs, 100, true), "offset past the end falls back to the last segment")
}

func TestReloadInterval(t *testing.T) {
	w := &Worker{}
	u := &Update{TargetDuration: 6 * time.Second}

	assert.Equal(t, 6*time.Second, w.reloadInterval(u, true))
	assert.Equal(t, 3*time.Second, w.reloadInterval(u, false))

	u = &Update{TargetDuration: 3 * time.Second, MinReload: 2 * time.Second}
	assert.Equal(t, 2*time.Second, w.reloadInterval(u, false))

	u = &Update{}
	assert.Equal(t, time.Second, w.reloadInterval(u, false))
}

func TestQueueSize(t *testing.T) {
	assert.Equal(t, 3, Options{Threads: 1}.queueSize())
	assert.Equal(t, 3, Options{Threads: 5}.queueSize())
	assert.Equal(t, 8, Options{Threads: 10}.queueSize())
}
