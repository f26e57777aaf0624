// Package app assembles the practice call service from configuration.
package app

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/config"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/httpserver"
	"github.com/chadiek/practice-call/internal/llm"
	"github.com/chadiek/practice-call/internal/metrics"
	"github.com/chadiek/practice-call/internal/relay"
	"github.com/chadiek/practice-call/internal/rtc"
	"github.com/chadiek/practice-call/internal/store"
	"github.com/chadiek/practice-call/internal/telephony"
	"github.com/chadiek/practice-call/internal/transcribe"
	"github.com/chadiek/practice-call/internal/tts"
)

// App holds the shared collaborators every transport uses.
type App struct {
	Config    config.Config
	Log       zerolog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Catalog   *conversation.Catalog
	Store     store.Store
	Sessions  *call.Factory
	Telephony *telephony.Service

	responder call.Responder
	blobs     store.BlobStore
	closers   []func() error
}

// New wires the service. Telephony is nil unless Twilio is configured.
func New(cfg config.Config, log zerolog.Logger) (*App, error) {
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	catalog := conversation.DefaultCatalog()
	if cfg.ScenariosFile != "" {
		c, err := conversation.LoadCatalogFile(cfg.ScenariosFile)
		if err != nil {
			return nil, fmt.Errorf("load scenarios: %w", err)
		}
		catalog = c
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &App{Config: cfg, Log: log, Registry: reg, Metrics: m, Catalog: catalog}
	if err := a.openStore(); err != nil {
		return nil, err
	}

	channels, err := transcribe.NewFactory(cfg.Transcriber, transcribe.Params{
		RelayURL:      cfg.TranscriberURL,
		DeepgramKey:   cfg.DeepgramKey,
		AssemblyAIKey: cfg.AssemblyAIKey,
		Options: []transcribe.Option{
			transcribe.WithLogger(log),
			transcribe.WithFrameLostHook(func() { m.FrameLost("channel") }),
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.responder = llm.NewPersonaResponder(llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID))
	a.Sessions = call.NewFactory(a.callConfig(), call.Deps{
		Channels:    channels,
		Responder:   a.responder,
		Synthesizer: a.synthesizer(),
		Archive:     a.Store,
		Metrics:     m,
		Log:         log,
	})

	if cfg.TwilioEnabled() {
		a.Telephony = telephony.New(telephony.Config{
			AccountSID:       cfg.TwilioAccountSID,
			AuthToken:        cfg.TwilioAuthToken,
			FromNumber:       cfg.TwilioPhoneNumber,
			BaseURL:          cfg.BaseURL,
			ResponderTimeout: cfg.ResponderTimeout,
		}, telephony.Deps{
			Catalog:   catalog,
			Responder: a.responder,
			Archive:   a.Store,
			Blobs:     a.blobs,
			Metrics:   m,
			Log:       log,
		})
	}
	return a, nil
}

func (a *App) callConfig() call.Config {
	return call.Config{
		Capture: capture.DefaultConstraints(),
		Channel: transcribe.DefaultConfig(),
		Coordinator: call.CoordinatorConfig{
			ResponderTimeout: a.Config.ResponderTimeout,
		},
		Reconnect: call.ReconnectPolicy{
			Base:        a.Config.ReconnectBase,
			Max:         a.Config.ReconnectMax,
			MaxFailures: a.Config.ReconnectRetries,
		},
	}
}

// synthesizer chains ElevenLabs ahead of Deepgram Aura. A chain with no
// usable stage fails every request and the call continues text only.
func (a *App) synthesizer() call.Synthesizer {
	cfg := a.Config
	var stages []tts.Stage
	if cfg.ElevenLabsKey != "" {
		stages = append(stages, tts.Stage{
			Name:  "elevenlabs",
			Synth: tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, a.Log),
		})
	}
	if cfg.DeepgramKey != "" {
		stages = append(stages, tts.Stage{
			Name:  "deepgram",
			Synth: tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramTTSModel, a.Log),
			Voice: cfg.DeepgramTTSModel,
		})
	}
	return tts.NewChain(a.Log, stages, tts.OnFallback(func(stage string, err error) {
		a.Metrics.SynthesisFallback(stage)
		a.Log.Warn().Err(err).Str("stage", stage).Msg("synthesis stage skipped")
	}))
}

func (a *App) openStore() error {
	switch a.Config.Store {
	case "redis":
		r, err := store.NewRedisFromURL(a.Config.RedisURL)
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		a.Store = r
		a.closers = append(a.closers, r.Close)
	case "supabase":
		s, err := store.NewSupabase(store.SupabaseConfig{
			URL:            a.Config.SupabaseURL,
			ServiceRoleKey: a.Config.SupabaseServiceRoleKey,
			Bucket:         a.Config.SupabaseBucket,
		})
		if err != nil {
			return err
		}
		a.Store = s
		a.blobs = s
	default:
		mem := store.NewMemory()
		a.Store = mem
		a.blobs = mem
	}
	a.Log.Info().Str("store", a.Config.Store).Msg("call archive ready")
	return nil
}

// Server builds the HTTP surface over every transport.
func (a *App) Server() *httpserver.Server {
	opts := httpserver.Options{
		RTC: rtc.NewHandler(a.Sessions, a.Catalog, rtc.Options{
			ICEServersJSON: a.Config.ICEServersJSON,
			Password:       a.Config.AuthPassword,
		}, a.Log),
		Relay:           relay.NewServer(a.Sessions, a.Catalog, a.Log),
		Store:           a.Store,
		Catalog:         a.Catalog,
		Telephony:       a.Telephony,
		Metrics:         a.Registry,
		Password:        a.Config.AuthPassword,
		TwilioAuthToken: a.Config.TwilioAuthToken,
		BaseURL:         a.Config.BaseURL,
		Log:             a.Log,
	}
	return httpserver.New(opts)
}

// Shutdown ends live calls and waits for background telephony work.
func (a *App) Shutdown() {
	if a.Sessions != nil {
		a.Sessions.EndAll()
	}
	if a.Telephony != nil {
		a.Telephony.Close()
	}
}

// Close releases store connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
