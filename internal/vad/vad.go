// Package vad is an energy-based voice activity detector for 16-bit PCM.
// It turns per-frame speech votes into debounced speech start/end edges.
package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Config holds detector thresholds. Frames are always 10ms at SampleRate.
type Config struct {
	SampleRate   int     // 16000 typical
	Threshold    float64 // RMS level counted as voice
	SmoothFrames int     // majority window over raw frame decisions
	OnMs         int     // window that must be mostly voiced to open a segment
	OffMs        int     // window that must be mostly silent to close it
}

// DefaultConfig is tuned for a headset microphone at 16kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		Threshold:    300,
		SmoothFrames: 4,
		OnMs:         120,
		OffMs:        600,
	}
}

// Boundary is a speech segment edge.
type Boundary struct {
	Started bool
	At      time.Time
}

// Detector is safe for concurrent use.
type Detector struct {
	cfg Config

	mu        sync.Mutex
	gate      *rmsGate
	votesOn   *voteWindow
	votesOff  *voteWindow
	speaking  bool
	lastVoice time.Time
	carry     []byte
	now       func() time.Time
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SmoothFrames <= 0 {
		cfg.SmoothFrames = def.SmoothFrames
	}
	if cfg.OnMs <= 0 {
		cfg.OnMs = def.OnMs
	}
	if cfg.OffMs <= 0 {
		cfg.OffMs = def.OffMs
	}
	return &Detector{
		cfg:      cfg,
		gate:     &rmsGate{threshold: cfg.Threshold, smoothN: cfg.SmoothFrames},
		votesOn:  newVoteWindow(cfg.OnMs),
		votesOff: newVoteWindow(cfg.OffMs),
		now:      time.Now,
	}
}

// Feed consumes PCM16LE of any length and returns the edges it produced.
// Bytes that do not fill a whole 10ms frame are carried to the next call.
func (d *Detector) Feed(pcm []byte) []Boundary {
	d.mu.Lock()
	defer d.mu.Unlock()
	frameBytes := d.cfg.SampleRate / 100 * 2
	buf := append(d.carry, pcm...)
	var out []Boundary
	off := 0
	for ; off+frameBytes <= len(buf); off += frameBytes {
		if b, ok := d.onFrame(buf[off : off+frameBytes]); ok {
			out = append(out, b)
		}
	}
	d.carry = append(d.carry[:0], buf[off:]...)
	return out
}

func (d *Detector) onFrame(frame []byte) (Boundary, bool) {
	now := d.now()
	voiced := d.gate.isSpeech(RMS(frame))
	if voiced {
		d.lastVoice = now
	}
	d.votesOn.Push(voiced)
	d.votesOff.Push(!voiced)
	if !d.speaking && d.votesOn.Full() && d.votesOn.Ratio() >= 2.0/3.0 {
		d.speaking = true
		d.votesOff.Reset()
		return Boundary{Started: true, At: now}, true
	}
	if d.speaking && d.votesOff.Full() && d.votesOff.Ratio() >= 2.0/3.0 {
		d.speaking = false
		d.votesOn.Reset()
		return Boundary{Started: false, At: now}, true
	}
	return Boundary{}, false
}

// Speaking reports whether a speech segment is currently open.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// RecentlyVoiced reports whether a voiced frame was seen within window.
func (d *Detector) RecentlyVoiced(window time.Duration) bool {
	d.mu.Lock()
	last := d.lastVoice
	d.mu.Unlock()
	return !last.IsZero() && d.now().Sub(last) <= window
}

// LastVoice is the time of the most recent voiced frame, zero if none.
func (d *Detector) LastVoice() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastVoice
}

// Reset closes any open segment without emitting an edge.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.speaking = false
	d.votesOn.Reset()
	d.votesOff.Reset()
	d.gate.win = d.gate.win[:0]
	d.carry = d.carry[:0]
	d.mu.Unlock()
}

// RMS computes the root mean square of PCM16LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

type rmsGate struct {
	threshold float64
	smoothN   int
	win       []bool
}

func (g *rmsGate) isSpeech(rms float64) bool {
	g.win = append(g.win, rms >= g.threshold)
	if len(g.win) > g.smoothN {
		g.win = g.win[len(g.win)-g.smoothN:]
	}
	n := 0
	for _, x := range g.win {
		if x {
			n++
		}
	}
	return n*2 >= len(g.win) && n > 0
}

type voteWindow struct {
	size int
	hist []bool
}

func newVoteWindow(ms int) *voteWindow {
	return &voteWindow{size: ms/10 + 1}
}

func (v *voteWindow) Push(b bool) {
	v.hist = append(v.hist, b)
	if len(v.hist) > v.size {
		v.hist = v.hist[len(v.hist)-v.size:]
	}
}

func (v *voteWindow) Full() bool { return len(v.hist) >= v.size }

func (v *voteWindow) Ratio() float64 {
	if len(v.hist) == 0 {
		return 0
	}
	t := 0
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	return float64(t) / float64(len(v.hist))
}

func (v *voteWindow) Reset() { v.hist = v.hist[:0] }
