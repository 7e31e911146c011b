// Package api is the HTTP surface of the sync engine: the OAuth handshake,
// the on-demand sync trigger, leaderboard reads and admin cycle controls.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/auth"
	"github.com/jmerrifield20/clubsync/internal/metrics"
)

// RouterConfig wires the handlers into one engine.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
	Tokens       *auth.Issuer
	OAuth        *OAuthHandler
	Leaderboards *LeaderboardHandler
	Me           *MeHandler
	Sync         *SyncHandler
	Health       gin.HandlerFunc
	Logger       *zap.Logger
}

// NewRouter builds the gin engine. Nil handlers leave their routes unmounted.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.PrometheusMiddleware())
	r.Use(RequestLogger(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
		}))
	}

	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health)
	}
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		v1.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	if cfg.OAuth != nil {
		cfg.OAuth.Register(v1)
	}
	if cfg.Leaderboards != nil {
		cfg.Leaderboards.Register(v1)
	}

	if cfg.Tokens == nil || !cfg.Tokens.Enabled() {
		cfg.Logger.Warn("auth.trigger_secret not set; authenticated routes disabled")
		return r
	}
	session := v1.Group("", RequireSession(cfg.Tokens))
	admin := session.Group("/admin", RequireAdmin())
	if cfg.Me != nil {
		cfg.Me.Register(session)
	}
	if cfg.Sync != nil {
		cfg.Sync.Register(session, admin)
	}
	return r
}
