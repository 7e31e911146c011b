package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/leaderboard"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type boards interface {
	AllTime(ctx context.Context, limit int) ([]leaderboard.Standing, error)
	CurrentWeek(ctx context.Context, limit int) ([]leaderboard.Standing, error)
	Window(ctx context.Context, from, before time.Time, limit int) ([]leaderboard.Standing, error)
	TrophyCounts(ctx context.Context, limit int) ([]leaderboard.TrophyStanding, error)
	Kudos(ctx context.Context, from, before time.Time, limit int) ([]leaderboard.KudosStanding, error)
	RecentWinners(ctx context.Context, limit int) ([]leaderboard.Winner, error)
	PersonalTotals(ctx context.Context, userID int64, from, before time.Time) (*leaderboard.Totals, error)
	Location() *time.Location
}

// LeaderboardHandler serves the privacy-filtered aggregate views.
type LeaderboardHandler struct {
	boards boards
	logger *zap.Logger
}

// NewLeaderboardHandler creates a new LeaderboardHandler.
func NewLeaderboardHandler(b boards, logger *zap.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{boards: b, logger: logger}
}

// Register mounts the public leaderboard routes.
func (h *LeaderboardHandler) Register(rg *gin.RouterGroup) {
	lb := rg.Group("/leaderboards")
	{
		lb.GET("/alltime", h.AllTime)
		lb.GET("/week", h.Week)
		lb.GET("/trophies", h.Trophies)
		lb.GET("/kudos", h.Kudos)
	}
	rg.GET("/trophies/recent", h.RecentWinners)
}

// AllTime handles GET /leaderboards/alltime.
func (h *LeaderboardHandler) AllTime(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	out, err := h.boards.AllTime(c.Request.Context(), limit)
	h.respond(c, "alltime", out, err)
}

// Week handles GET /leaderboards/week?week=YYYY-MM-DD. Any date inside the
// wanted week is accepted; without one the running week is returned.
func (h *LeaderboardHandler) Week(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	raw := c.Query("week")
	if raw == "" {
		out, err := h.boards.CurrentWeek(c.Request.Context(), limit)
		h.respond(c, "week", out, err)
		return
	}
	loc := h.boards.Location()
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "week must be YYYY-MM-DD"})
		return
	}
	start := leaderboard.WeekStart(day, loc)
	out, err := h.boards.Window(c.Request.Context(), start, start.AddDate(0, 0, 7), limit)
	h.respond(c, "week", out, err)
}

// Trophies handles GET /leaderboards/trophies.
func (h *LeaderboardHandler) Trophies(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	out, err := h.boards.TrophyCounts(c.Request.Context(), limit)
	h.respond(c, "trophies", out, err)
}

// Kudos handles GET /leaderboards/kudos?from=&to= (dates, to exclusive).
func (h *LeaderboardHandler) Kudos(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	from, before, ok := parseRange(c, h.boards.Location())
	if !ok {
		return
	}
	out, err := h.boards.Kudos(c.Request.Context(), from, before, limit)
	h.respond(c, "kudos", out, err)
}

// RecentWinners handles GET /trophies/recent.
func (h *LeaderboardHandler) RecentWinners(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	out, err := h.boards.RecentWinners(c.Request.Context(), limit)
	h.respond(c, "winners", out, err)
}

func (h *LeaderboardHandler) respond(c *gin.Context, board string, out any, err error) {
	if err != nil {
		h.logger.Error("leaderboard query", zap.String("board", board), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"board": board, "entries": out})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

// parseRange reads optional from/to dates. Zero values leave a bound open.
func parseRange(c *gin.Context, loc *time.Location) (from, before time.Time, ok bool) {
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &from}, {"to", &before}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		t, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": p.key + " must be YYYY-MM-DD"})
			return time.Time{}, time.Time{}, false
		}
		*p.dst = t
	}
	if !from.IsZero() && !before.IsZero() && !from.Before(before) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return time.Time{}, time.Time{}, false
	}
	return from, before, true
}
