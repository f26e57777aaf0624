package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmSine(sr int, hz float64, durMs int) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func silence(sr, durMs int) []byte { return make([]byte, sr*durMs/1000*2) }

func TestDetector_StartThenEnd(t *testing.T) {
	d := New(DefaultConfig())

	edges := d.Feed(pcmSine(16000, 220, 400))
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Started)
	assert.True(t, d.Speaking())
	assert.True(t, d.RecentlyVoiced(time.Second))

	edges = d.Feed(silence(16000, 900))
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Started)
	assert.False(t, d.Speaking())
}

func TestDetector_ShortBlipDoesNotOpen(t *testing.T) {
	d := New(DefaultConfig())
	assert.Empty(t, d.Feed(pcmSine(16000, 220, 50)))
	assert.Empty(t, d.Feed(silence(16000, 300)))
	assert.False(t, d.Speaking())
}

func TestDetector_CarriesPartialFrames(t *testing.T) {
	d := New(DefaultConfig())
	speech := pcmSine(16000, 220, 400)
	var edges []Boundary
	// odd-sized chunks straddle frame boundaries
	for off := 0; off < len(speech); off += 333 {
		end := off + 333
		if end > len(speech) {
			end = len(speech)
		}
		edges = append(edges, d.Feed(speech[off:end])...)
	}
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Started)
}

func TestDetector_ResetClosesSilently(t *testing.T) {
	d := New(DefaultConfig())
	d.Feed(pcmSine(16000, 220, 400))
	require.True(t, d.Speaking())
	d.Reset()
	assert.False(t, d.Speaking())
	assert.Empty(t, d.Feed(silence(16000, 900)))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(silence(16000, 10)))
	assert.InDelta(t, 8000/math.Sqrt2, RMS(pcmSine(16000, 200, 100)), 50)
}
