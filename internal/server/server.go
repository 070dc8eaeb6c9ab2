package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/fitforge/coach/config"
	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/agent/telemetry"
	"github.com/fitforge/coach/internal/onboarding"
	"github.com/fitforge/coach/internal/runtime"
	"github.com/fitforge/coach/internal/store"
	"github.com/fitforge/coach/internal/voice"
)

// Run wires the whole backend and serves HTTP until the listener stops.
func Run(addr string) error {
	cfg, err := appconfig.LoadConfig()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		errCode := ""
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		var coded *core.CodedError
		if errors.As(err, &coded) {
			code = statusForCode(coded.Code)
			msg = coded.Msg
			errCode = coded.Code
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg, Code: errCode})
		}
	}

	origins := cfg.General.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Database.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	if cfg.Database.MaxOpenConns > 0 {
		st.DB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		st.DB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	provider, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	tele := telemetry.NewTelemetry(cfg.Telemetry)

	// Redis backs the per-user turn locks when configured; single-replica
	// deployments fall back to the in-memory locker.
	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Redis.Host, cfg.Redis.Port, err)
		}
	}
	locker := onboarding.NewLocker(rdb, cfg.Onboarding.LockLease)

	orch := onboarding.NewOrchestrator(st, provider, tele, locker, onboarding.Options{
		HistoryWindow:    cfg.Onboarding.HistoryWindow,
		TextTurnTimeout:  cfg.Onboarding.TextTurnTimeout,
		VoiceTurnTimeout: cfg.Onboarding.VoiceTurnTimeout,
	})

	bridge := voice.NewBridge(orch, provider, st, cfg.Voice)

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret, Alg: cfg.JWT.Algorithm, TTLHours: cfg.JWT.TTLHours}
	auth.Register(api.Group("/auth"))

	protected := func(g *echo.Group) *echo.Group {
		g.Use(runtime.EchoAuthMiddleware(secret))
		return g
	}

	me := protected(api.Group("/me"))
	me.GET("", func(c echo.Context) error {
		userID := c.Get("user_id").(string)
		email, err := st.GetUserEmail(c.Request().Context(), userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return c.JSON(http.StatusOK, map[string]string{"user_id": userID, "email": email})
	})

	ch := &ChatHandler{Orch: orch, Store: st}
	ch.Register(protected(api.Group("/chat")))

	ph := &ProfileHandler{Store: st}
	ph.Register(protected(api.Group("/profile")))

	oh := &OnboardingHandler{Orch: orch}
	oh.Register(protected(api.Group("/onboarding")))

	vh := &VoiceHandler{Bridge: bridge, Secret: secret, Cfg: cfg.Voice, Alg: cfg.JWT.Algorithm}
	vh.Register(protected(api.Group("/voice")))

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":8080"
		}
	}
	return e.Start(addr)
}

// statusForCode maps domain error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case core.CodeValidationError, core.CodeNotApproved, core.CodeNoProposal:
		return http.StatusBadRequest
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeForbidden, core.CodeProfileLocked:
		return http.StatusForbidden
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeTurnTimeout:
		return http.StatusGatewayTimeout
	case core.CodeLLMError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
