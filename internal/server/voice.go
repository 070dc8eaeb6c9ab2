package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fitforge/coach/config"
	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/runtime"
	"github.com/fitforge/coach/internal/voice"
)

type VoiceHandler struct {
	Bridge *voice.Bridge
	Secret []byte
	Cfg    config.VoiceConfig
	Alg    string
}

func (h *VoiceHandler) Register(g *echo.Group) {
	g.POST("/session", h.create)
	g.GET("/session/:room", h.get)
	g.DELETE("/session/:room", h.end)
	g.POST("/session/:room/utterance", h.utterance)
}

// create opens a voice session and returns a room-scoped join token. The
// requested agent_type is advisory; turn routing stays with the
// orchestrator.
func (h *VoiceHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req VoiceSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Bridge.StartSession(c.Request().Context(), userID, core.AgentType(req.AgentType))
	if err != nil {
		return err
	}
	secret := h.Secret
	if h.Cfg.APISecret != "" {
		secret = []byte(h.Cfg.APISecret)
	}
	ttl := h.Cfg.TokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	token, err := runtime.SignVoiceToken(userID, sess.Room, secret, h.Alg, ttl)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, VoiceSessionResponse{
		RoomName:  sess.Room,
		Token:     token,
		URL:       h.Cfg.URL,
		AgentType: string(sess.AgentType),
		ExpiresAt: time.Now().Add(ttl),
	})
}

func (h *VoiceHandler) get(c echo.Context) error {
	sess, ok := h.Bridge.Lookup(c.Param("room"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such voice session")
	}
	if sess.UserID != c.Get("user_id").(string) {
		return echo.NewHTTPError(http.StatusForbidden, "not your session")
	}
	return c.JSON(http.StatusOK, VoiceSessionStatus{
		RoomName:       sess.Room,
		Active:         true,
		Participants:   []string{sess.UserID},
		AgentConnected: sess.AgentConnected(),
		CreatedAt:      sess.StartedAt,
	})
}

func (h *VoiceHandler) end(c echo.Context) error {
	sess, ok := h.Bridge.Lookup(c.Param("room"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such voice session")
	}
	if sess.UserID != c.Get("user_id").(string) {
		return echo.NewHTTPError(http.StatusForbidden, "not your session")
	}
	warnings, err := h.Bridge.EndSession(c.Request().Context(), sess.Room)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"warnings": warnings})
}

// utterance is the transport webhook: the voice pipeline posts transcribed
// speech here and reads back the reply text for TTS.
func (h *VoiceHandler) utterance(c echo.Context) error {
	sess, ok := h.Bridge.Lookup(c.Param("room"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such voice session")
	}
	if sess.UserID != c.Get("user_id").(string) {
		return echo.NewHTTPError(http.StatusForbidden, "not your session")
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.Bridge.HandleUtterance(c.Request().Context(), sess.Room, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
