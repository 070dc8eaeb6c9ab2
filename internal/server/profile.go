package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/onboarding"
	"github.com/fitforge/coach/internal/store"
)

type ProfileHandler struct {
	Store *store.Store
}

func (h *ProfileHandler) Register(g *echo.Group) {
	g.GET("", h.get)
	g.PUT("", h.update)
}

func (h *ProfileHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	profile, err := h.Store.UserProfile(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, profile)
}

// update rejects writes while the profile is locked, which happens while a
// voice session holds the user's coaching state.
func (h *ProfileHandler) update(c echo.Context) error {
	userID := c.Get("user_id").(string)
	locked, err := h.Store.ProfileLocked(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if locked {
		return &core.CodedError{Code: core.CodeProfileLocked, Msg: "profile is locked by an active session"}
	}
	var req ProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	profile := &onboarding.Profile{
		DisplayName:        req.DisplayName,
		FitnessLevel:       req.FitnessLevel,
		PrimaryGoal:        req.PrimaryGoal,
		EnergyLevel:        req.EnergyLevel,
		Limitations:        req.Limitations,
		DietaryPreferences: req.DietaryPreferences,
		Allergies:          req.Allergies,
	}
	if err := h.Store.UpsertProfile(c.Request().Context(), userID, profile); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, profile)
}

type OnboardingHandler struct {
	Orch *onboarding.Orchestrator
}

func (h *OnboardingHandler) Register(g *echo.Group) {
	g.GET("/status", h.status)
}

func (h *OnboardingHandler) status(c echo.Context) error {
	userID := c.Get("user_id").(string)
	status, err := h.Orch.Status(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}
