package telephony

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

type startCallRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Scenario    string `json:"scenario"`
}

type endCallRequest struct {
	CallSid string `json:"callSid"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RateLimit allows each client IP perSecond requests with the given burst.
func RateLimit(perSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "Too many requests, please slow down"})
		},
	})
}

// RegisterAPI mounts the call-control endpoints on g.
func (s *Service) RegisterAPI(g *echo.Group, limit echo.MiddlewareFunc) {
	if limit != nil {
		g.Use(limit)
	}
	g.POST("/start-call", s.handleStartCall)
	g.POST("/end-call", s.handleEndCall)
	g.GET("/call-status/:sid", s.handleCallStatus)
}

func (s *Service) handleStartCall(c echo.Context) error {
	var req startCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.PhoneNumber == "" || req.Scenario == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "phoneNumber and scenario are required"})
	}
	sid, err := s.startCall(c.Request().Context(), absoluteURL(c.Request(), s.cfg.BaseURL, ""), req.PhoneNumber, req.Scenario)
	if err != nil {
		return s.callError(c, "start call", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "callSid": sid})
}

func (s *Service) handleEndCall(c echo.Context) error {
	var req endCallRequest
	if err := c.Bind(&req); err != nil || req.CallSid == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "callSid is required"})
	}
	if err := s.EndCall(c.Request().Context(), req.CallSid); err != nil {
		return s.callError(c, "end call", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Service) handleCallStatus(c echo.Context) error {
	st, err := s.Status(c.Request().Context(), c.Param("sid"))
	if err != nil {
		return s.callError(c, "call status", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   st.Status,
		"duration": int(st.Duration / time.Second),
	})
}

func (s *Service) callError(c echo.Context, op string, err error) error {
	s.log.Error().Err(err).Str("op", op).Msg("twilio request failed")
	switch {
	case errors.Is(err, ErrNotConfigured):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "Twilio is not configured", Message: err.Error()})
	case errors.Is(err, ErrInvalidNumber):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid phone number", Message: "Use international format, for example +14155550123."})
	case errors.Is(err, ErrUnknownScenario):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Unknown scenario", Message: err.Error()})
	case errors.Is(err, ErrGeoPermission):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Calls to this country are not enabled", Message: "Enable the destination in the Twilio geo permissions settings."})
	case errors.Is(err, ErrAuthFailed):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Twilio authentication failed", Message: "Check TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN."})
	}
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to " + op, Message: err.Error()})
}
