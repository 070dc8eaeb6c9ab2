package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fitforge/coach/internal/onboarding"
	"github.com/fitforge/coach/internal/store"
)

type ChatHandler struct {
	Orch  *onboarding.Orchestrator
	Store *store.Store
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("", h.chat)
	g.GET("/history", h.history)
}

// chat runs one text turn. The response streams as NDJSON, one chunk object
// per line; stream=false requests the full agent response as buffered JSON.
func (h *ChatHandler) chat(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message must not be empty")
	}

	if req.Stream != nil && !*req.Stream {
		resp, err := h.Orch.HandleTurn(c.Request().Context(), userID, req.Message, onboarding.ModeText)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, resp)
	}

	chunks, err := h.Orch.StreamTurn(c.Request().Context(), userID, req.Message)
	if err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)
	for chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			// Client went away; the orchestrator goroutine drains and
			// persists on its own.
			break
		}
		res.Flush()
	}
	return nil
}

func (h *ChatHandler) history(c echo.Context) error {
	userID := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.Store.ChatHistory(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}
