package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientIDKey = "client_id"

// ClientIDMiddleware keeps a stable per-browser id in the cookie session.
func ClientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		id, _ := s.Get(clientIDKey).(string)
		if id == "" {
			id = uuid.NewString()
			s.Set(clientIDKey, id)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientIDKey, id)
		c.Next()
	}
}

type tokenRequest struct {
	Name string `json:"name"`
}

type tokenResponse struct {
	Token  string        `json:"token"`
	UserID domain.UserID `json:"user_id"`
}

func issueToken(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		user, err := domain.NewUser(domain.UserID(c.GetString(clientIDKey)), req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := tokens.Issue(user.ID, user.Username)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.JSON(http.StatusOK, tokenResponse{Token: raw, UserID: user.ID})
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, tokens *auth.Tokens) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientIDMiddleware())

	ctrl := signal.NewSignalWSController(o, tokens, cfg.ReadLimit, cfg.PingPeriod)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": o.Registry.Count(),
			"meetings": len(o.Meetings.List()),
		})
	})

	r.GET("/socket/websocket", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientIDKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.POST("/token", issueToken(tokens))
	api.GET("/meetings", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Meetings.List())
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
