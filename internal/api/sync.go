package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/auth"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/syncer"
)

type orchestrator interface {
	TriggerUser(userID int64) scheduler.TriggerResult
	State(kind scheduler.CycleKind) scheduler.State
	RunSyncCycle(ctx context.Context, opts syncer.Options) *scheduler.CycleReport
	RunTrophies(ctx context.Context) *scheduler.CycleReport
	RunEnrichment(ctx context.Context) *scheduler.CycleReport
}

type runLister interface {
	Recent(ctx context.Context, limit int) ([]runs.Run, error)
}

// SyncHandler exposes the on-demand trigger and the admin cycle controls.
type SyncHandler struct {
	orch   orchestrator
	runs   runLister
	logger *zap.Logger
}

// NewSyncHandler creates a new SyncHandler. runs may be nil.
func NewSyncHandler(orch orchestrator, rl runLister, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{orch: orch, runs: rl, logger: logger}
}

// Register mounts the trigger on rg and the admin routes on admin. Both
// groups must already require a session; admin must also require the admin role.
func (h *SyncHandler) Register(rg, admin *gin.RouterGroup) {
	rg.POST("/sync/trigger", h.Trigger)

	cycles := admin.Group("/cycles")
	{
		cycles.GET("", h.States)
		cycles.POST("/sync", h.RunSync)
		cycles.POST("/trophies", h.RunTrophies)
		cycles.POST("/enrich", h.RunEnrich)
	}
	admin.GET("/runs", h.Runs)
}

// Trigger handles POST /sync/trigger. A user token syncs its own user; an
// admin token names the user with ?user_id=. The response never waits for
// the sync itself.
func (h *SyncHandler) Trigger(c *gin.Context) {
	claims := claimsFrom(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	userID := claims.UserID
	if claims.Type == auth.TypeAdmin {
		id, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required for admin triggers"})
			return
		}
		userID = id
	}

	switch res := h.orch.TriggerUser(userID); res {
	case scheduler.TriggerAccepted:
		h.logger.Info("sync triggered", zap.Int64("user_id", userID), zap.String("by", claims.Subject))
		c.JSON(http.StatusAccepted, gin.H{"status": res, "user_id": userID})
	case scheduler.TriggerAlreadyRunning:
		c.JSON(http.StatusConflict, gin.H{"status": res, "user_id": userID})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": res})
	}
}

// States handles GET /admin/cycles.
func (h *SyncHandler) States(c *gin.Context) {
	out := make(map[scheduler.CycleKind]scheduler.State)
	for _, k := range []scheduler.CycleKind{scheduler.CycleSync, scheduler.CycleOnDemand, scheduler.CycleTrophy, scheduler.CycleEnrich} {
		out[k] = h.orch.State(k)
	}
	c.JSON(http.StatusOK, out)
}

// RunSync handles POST /admin/cycles/sync[?full=true].
func (h *SyncHandler) RunSync(c *gin.Context) {
	full, _ := strconv.ParseBool(c.Query("full"))
	h.cycle(c, h.orch.RunSyncCycle(c.Request.Context(), syncer.Options{Full: full}))
}

// RunTrophies handles POST /admin/cycles/trophies.
func (h *SyncHandler) RunTrophies(c *gin.Context) {
	h.cycle(c, h.orch.RunTrophies(c.Request.Context()))
}

// RunEnrich handles POST /admin/cycles/enrich.
func (h *SyncHandler) RunEnrich(c *gin.Context) {
	h.cycle(c, h.orch.RunEnrichment(c.Request.Context()))
}

func (h *SyncHandler) cycle(c *gin.Context, report *scheduler.CycleReport) {
	if report.ID == uuid.Nil {
		c.JSON(http.StatusConflict, gin.H{"error": "cycle already running", "kind": report.Kind})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Runs handles GET /admin/runs.
func (h *SyncHandler) Runs(c *gin.Context) {
	if h.runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []runs.Run{}})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	out, err := h.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}
