package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MicSession captures the default input device through miniaudio.
type MicSession struct {
	log zerolog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	fr      *framer
	onFrame func(Frame)
	stopped bool
}

func NewMicSession(log zerolog.Logger) *MicSession {
	return &MicSession{log: log.With().Str("component", "mic").Logger()}
}

func (m *MicSession) Open(_ context.Context, c Constraints) error {
	c = c.withDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return nil
	}
	if m.stopped {
		return ErrDeviceUnavailable
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		m.log.Debug().Msg(strings.TrimSpace(msg))
	})
	if err != nil {
		return classify(err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(c.FrameDuration.Milliseconds())
	cfg.Alsa.NoMMap = 1

	m.fr = newFramer(c.FrameBytes())
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return classify(err)
	}
	m.mctx = mctx
	m.dev = dev
	m.log.Info().Int("sample_rate", c.SampleRate).Dur("frame", c.FrameDuration).Msg("microphone opened")
	return nil
}

func (m *MicSession) StartStreaming(onFrame func(Frame)) error {
	m.mu.Lock()
	if m.dev == nil || m.stopped {
		m.mu.Unlock()
		return ErrNotOpen
	}
	m.onFrame = onFrame
	dev := m.dev
	m.mu.Unlock()
	if err := dev.Start(); err != nil {
		return classify(err)
	}
	return nil
}

// onData runs on the miniaudio thread.
func (m *MicSession) onData(_, in []byte, frames uint32) {
	if frames == 0 {
		return
	}
	m.mu.Lock()
	if m.onFrame != nil && !m.stopped {
		m.fr.write(in, m.onFrame)
	}
	m.mu.Unlock()
}

func (m *MicSession) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.onFrame = nil
	dev, mctx := m.dev, m.mctx
	m.dev, m.mctx = nil, nil
	m.mu.Unlock()

	// Stop waits for the data callback, so it must run without m.mu held.
	if dev != nil {
		_ = dev.Stop()
		dev.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
		mctx.Free()
	}
	m.log.Info().Msg("microphone released")
	return nil
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "access") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
