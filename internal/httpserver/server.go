// Package httpserver exposes the practice call transports, the call archive
// and the telephony webhooks over HTTP.
package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/rtc"
	"github.com/chadiek/practice-call/internal/store"
	"github.com/chadiek/practice-call/internal/telephony"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// start-call requests per second per client, with a small burst.
	startCallRate  = 0.2
	startCallBurst = 3
)

// Options are the handlers and stores the server routes to. Telephony and
// Metrics may be nil.
type Options struct {
	RTC       *rtc.Handler
	Relay     http.Handler
	Store     store.Store
	Catalog   *conversation.Catalog
	Telephony *telephony.Service
	Metrics   prometheus.Gatherer
	Password  string
	// TwilioAuthToken and BaseURL validate webhook signatures.
	TwilioAuthToken string
	BaseURL         string
	Log             zerolog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	opts   Options
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(opts Options) *Server {
	e := newRouter(opts.Log)
	s := &Server{Router: e, opts: opts}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.Any("/call", s.handleOffer)
	if opts.RTC != nil {
		e.GET("/rtc/ws", echo.WrapHandler(http.HandlerFunc(opts.RTC.ServeWebSocket)))
	}
	if opts.Relay != nil {
		e.GET("/ws", echo.WrapHandler(opts.Relay))
	}

	api := e.Group("/api")
	api.GET("/calls", s.handleListCalls)
	api.GET("/calls/:id", s.handleGetCall)
	api.GET("/scenarios", s.handleScenarios)

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{})))
	}
	if opts.Telephony != nil {
		opts.Telephony.RegisterWebhooks(e.Group("/twilio", telephony.SignatureAuth(opts.TwilioAuthToken, opts.BaseURL)))
		opts.Telephony.RegisterAPI(e.Group("/api/twilio"), telephony.RateLimit(startCallRate, startCallBurst))
	}
	return s
}

func (s *Server) handleOffer(c echo.Context) error {
	if c.Request().Method == http.MethodOptions {
		return c.NoContent(http.StatusNoContent)
	}
	if c.Request().Method != http.MethodPost {
		return c.NoContent(http.StatusMethodNotAllowed)
	}
	if !rtc.Authorized(c.Request(), s.opts.Password) {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	if s.opts.RTC == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "webrtc disabled"})
	}

	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.opts.Log.Debug().Err(err).Msg("invalid offer")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid offer"})
	}
	answer, err := s.opts.RTC.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		s.opts.Log.Error().Err(err).Msg("webrtc handle offer failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not establish call"})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) handleListCalls(c echo.Context) error {
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxListLimit)
	}
	records, err := s.opts.Store.List(c.Request().Context(), limit)
	if err != nil {
		s.opts.Log.Error().Err(err).Msg("list calls")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not list calls"})
	}
	if records == nil {
		records = []store.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleGetCall(c echo.Context) error {
	r, err := s.opts.Store.Load(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "call not found"})
	case errors.Is(err, store.ErrInvalidID):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid call id"})
	case err != nil:
		s.opts.Log.Error().Err(err).Str("call_id", c.Param("id")).Msg("load call")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not load call"})
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleScenarios(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Catalog.All())
}
