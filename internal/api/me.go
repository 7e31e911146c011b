package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/users"
)

type profiles interface {
	Get(ctx context.Context, id int64) (*users.User, error)
	SetPrivacyTier(ctx context.Context, id int64, tier string) error
}

// MeHandler serves the authenticated user's own data. Nothing here is
// privacy filtered.
type MeHandler struct {
	users  profiles
	boards boards
	logger *zap.Logger
}

// NewMeHandler creates a new MeHandler.
func NewMeHandler(u profiles, b boards, logger *zap.Logger) *MeHandler {
	return &MeHandler{users: u, boards: b, logger: logger}
}

// Register mounts /me routes. rg must already require a session.
func (h *MeHandler) Register(rg *gin.RouterGroup) {
	me := rg.Group("/me")
	{
		me.GET("", h.Profile)
		me.GET("/totals", h.Totals)
		me.PATCH("/privacy", h.UpdatePrivacy)
	}
}

type profileResponse struct {
	ID           int64  `json:"id"`
	AthleteID    int64  `json:"athlete_id"`
	Name         string `json:"name"`
	ProfileImage string `json:"profile_image"`
	PrivacyTier  string `json:"privacy_tier"`
	Active       bool   `json:"active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// Profile handles GET /me.
func (h *MeHandler) Profile(c *gin.Context) {
	u, ok := h.load(c)
	if !ok {
		return
	}
	resp := profileResponse{
		ID:           u.ID,
		AthleteID:    u.AthleteID,
		Name:         u.DisplayName(),
		ProfileImage: u.ProfileImage,
		PrivacyTier:  string(u.PrivacyTier),
		Active:       u.Active,
		LastSyncAt:   u.LastSyncAt,
	}
	c.JSON(http.StatusOK, resp)
}

// Totals handles GET /me/totals?from=&to=.
func (h *MeHandler) Totals(c *gin.Context) {
	claims := claimsFrom(c)
	if claims == nil || claims.UserID == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "user token required"})
		return
	}
	from, before, ok := parseRange(c, h.boards.Location())
	if !ok {
		return
	}
	t, err := h.boards.PersonalTotals(c.Request.Context(), claims.UserID, from, before)
	if err != nil {
		h.logger.Error("personal totals", zap.Int64("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load totals"})
		return
	}
	c.JSON(http.StatusOK, t)
}

type privacyRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// UpdatePrivacy handles PATCH /me/privacy.
func (h *MeHandler) UpdatePrivacy(c *gin.Context) {
	claims := claimsFrom(c)
	if claims == nil || claims.UserID == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "user token required"})
		return
	}
	var req privacyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.SetPrivacyTier(c.Request.Context(), claims.UserID, req.Tier); err != nil {
		switch {
		case errors.Is(err, privacy.ErrInvalidTier):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, users.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			h.logger.Error("set privacy tier", zap.Int64("user_id", claims.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update privacy"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": req.Tier})
}

func (h *MeHandler) load(c *gin.Context) (*users.User, bool) {
	claims := claimsFrom(c)
	if claims == nil || claims.UserID == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "user token required"})
		return nil, false
	}
	u, err := h.users.Get(c.Request.Context(), claims.UserID)
	if errors.Is(err, users.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("load user", zap.Int64("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return nil, false
	}
	return u, true
}
