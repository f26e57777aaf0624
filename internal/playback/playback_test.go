package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) write(b []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, b)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestPacer_WritesAndWaits(t *testing.T) {
	rec := &recorder{}
	p := NewPacer(2*time.Millisecond, 8, rec.write)
	defer p.Close()

	for i := 0; i < 3; i++ {
		p.Push([]byte{byte(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 3, rec.count())
	assert.Zero(t, p.Pending())
}

func TestPacer_DrainAndStop(t *testing.T) {
	rec := &recorder{}
	p := NewPacer(time.Hour, 8, rec.write)
	p.Push([]byte{1})
	p.Push([]byte{2})
	assert.Equal(t, 2, p.Pending())
	p.Drain()
	assert.Zero(t, p.Pending())

	p.Push([]byte{3})
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Wait(context.Background()), ErrStopped)
	p.Push([]byte{4}) // returns once stopped even if the queue had room
	assert.Zero(t, rec.count())
}

func TestFrameSink_FramesPadsAndTails(t *testing.T) {
	rec := &recorder{}
	s := NewFrameSink(48000, 2, nil, rec.write)
	defer s.Close()

	s.WritePCM(make([]byte, 1920+100)) // one full frame plus a remainder
	s.FlushTail()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.frames, 4) // full, padded remainder, two tail frames
	for _, f := range rec.frames {
		assert.Len(t, f, 1920)
	}
}

func TestFrameSink_ResetDropsQueued(t *testing.T) {
	rec := &recorder{}
	s := NewFrameSink(48000, 0, func(b []byte) ([]byte, error) { return b[:2], nil }, rec.write)
	s.Close() // stop the ticker so nothing is written behind the test's back

	s.WritePCM(make([]byte, 1920*3+10))
	s.Reset()
	assert.Zero(t, s.pacer.Pending())
	s.FlushTail()
	assert.Zero(t, s.pacer.Pending(), "remainder was dropped by Reset")
	assert.Zero(t, rec.count())
}
