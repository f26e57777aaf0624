package rtc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chadiek/practice-call/internal/playback"
)

const (
	replyRate      = 48000
	micRate        = 16000
	opusMaxPacket  = 4000
	silenceTail    = 10 // ~200ms so the end of a reply is not clipped
	maxFrameSample = 5760
)

// sampleWriter is the part of a local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono to Opus and writes one 20ms frame
// per tick to a WebRTC track. It satisfies call.Sink.
type OpusPacedWriter struct {
	*playback.FrameSink
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(replyRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return newPacedWriter(track, newOpusEncoder(enc)), nil
}

func newPacedWriter(track sampleWriter, encode func([]byte) ([]byte, error)) *OpusPacedWriter {
	return &OpusPacedWriter{
		FrameSink: playback.NewFrameSink(replyRate, silenceTail, encode, func(pkt []byte) error {
			return track.WriteSample(media.Sample{Data: pkt, Duration: playback.FrameDuration})
		}),
	}
}

func newOpusEncoder(enc *opus.Encoder) func([]byte) ([]byte, error) {
	var mu sync.Mutex
	return func(pcm []byte) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		buf := make([]byte, opusMaxPacket)
		n, err := enc.Encode(pcmToSamples(pcm), buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

// micDecoder turns inbound Opus packets into 16kHz PCM16LE for capture.
type micDecoder struct {
	dec     *opus.Decoder
	samples []int16
}

func newMicDecoder() (*micDecoder, error) {
	dec, err := opus.NewDecoder(micRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &micDecoder{dec: dec, samples: make([]int16, maxFrameSample)}, nil
}

func (d *micDecoder) decode(payload []byte) ([]byte, error) {
	n, err := d.dec.Decode(payload, d.samples)
	if err != nil {
		return nil, err
	}
	return samplesToPCM(d.samples[:n]), nil
}

func pcmToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func samplesToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
