package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/syncer"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/ui"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/workspace"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
)

// Workspace is the frame lifecycle surface
type Workspace interface {
	Open(ctx context.Context) (workspace.Status, error)
	Close()
	Status() workspace.Status
	Spec() frame.Spec
}

// Syncer is the sync queue surface
type Syncer interface {
	Stats() syncer.Stats
	Status() syncer.SyncStatus
	ForceSync(ctx context.Context) (*syncer.FlushResult, error)
	Conflicts() []*syncer.Conflict
	ResolveConflictManually(conflictID id.ConflictID, r syncer.ManualResolution) error
}

// Handlers contains HTTP request handlers
type Handlers struct {
	workspace Workspace
	sync      Syncer
	access    *access.Manager
	ui        *ui.Coordinator
	logger    *zap.Logger
	started   time.Time

	// contextAuth guards writes to the context; without it they are not mounted
	contextAuth gin.HandlerFunc
}

// NewHandlers creates a new handlers instance
func NewHandlers(ws Workspace, sync Syncer, acc *access.Manager, coord *ui.Coordinator, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		workspace: ws,
		sync:      sync,
		access:    acc,
		ui:        coord,
		logger:    logger,
		started:   time.Now(),
	}
}

// WithContextAuth mounts PUT and PATCH /context behind auth. Without it the
// context is read-only over HTTP and only changes through backend refresh.
func (h *Handlers) WithContextAuth(auth gin.HandlerFunc) *Handlers {
	h.contextAuth = auth
	return h
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/frame", h.GetFrame)
	r.POST("/frame", h.OpenFrame)
	r.DELETE("/frame", h.CloseFrame)

	r.GET("/sync/stats", h.SyncStats)
	r.GET("/sync/status", h.SyncStatus)
	r.POST("/sync/flush", h.Flush)
	r.GET("/sync/conflicts", h.ListConflicts)
	r.POST("/sync/conflicts/:id/resolve", h.ResolveConflict)

	r.GET("/context", h.GetContext)
	if h.contextAuth != nil {
		r.PUT("/context", h.contextAuth, h.SetContext)
		r.PATCH("/context", h.contextAuth, h.PatchContext)
	}
	r.POST("/permissions/check", h.CheckPermission)

	r.POST("/ui/fullscreen", h.Fullscreen)
	r.POST("/ui/resize", h.Resize)
}

// Root describes the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "annotation-bridge",
		"status":  "running",
		"version": "1.0.0",
	})
}

// Health reports liveness plus the frame and sync state
func (h *Handlers) Health(c *gin.Context) {
	ws := h.workspace.Status()
	st := h.sync.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"workspace": ws.State,
		"bridge":    ws.BridgeOpen,
		"sync":      st.State,
		"online":    st.Online,
		"queued":    st.Stats.Queued,
	})
}

// GetFrame returns the frame descriptor and lifecycle status
func (h *Handlers) GetFrame(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"spec":    h.workspace.Spec(),
		"status":  h.workspace.Status(),
	})
}

// OpenFrame creates the frame and opens the bridge
func (h *Handlers) OpenFrame(c *gin.Context) {
	status, err := h.workspace.Open(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to open frame", zap.Error(err))
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  status,
	})
}

// CloseFrame destroys the frame
func (h *Handlers) CloseFrame(c *gin.Context) {
	h.workspace.Close()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.workspace.Status(),
	})
}

// SyncStats returns queue counters
func (h *Handlers) SyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.sync.Stats(),
	})
}

// SyncStatus returns the sync manager's state
func (h *Handlers) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.sync.Status(),
	})
}

// Flush forces a sync round trip
func (h *Handlers) Flush(c *gin.Context) {
	res, err := h.sync.ForceSync(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  res,
	})
}

// ListConflicts returns held and recently resolved conflicts
func (h *Handlers) ListConflicts(c *gin.Context) {
	conflicts := h.sync.Conflicts()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ConflictResolutionRequest settles a manual conflict
type ConflictResolutionRequest struct {
	Choice  syncer.Choice   `json:"choice" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResolveConflict applies a person's resolution
func (h *Handlers) ResolveConflict(c *gin.Context) {
	conflictID := id.ConflictID(c.Param("id"))
	if !id.IsValid(conflictID.String(), id.ConflictPrefix) {
		badRequest(c, fmt.Errorf("malformed conflict id %q", conflictID))
		return
	}

	var req ConflictResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := h.sync.ResolveConflictManually(conflictID, syncer.ManualResolution{
		Choice:  req.Choice,
		Payload: req.Payload,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"conflict": conflictID,
		"choice":   req.Choice,
	})
}

// GetContext returns the current context snapshot
func (h *Handlers) GetContext(c *gin.Context) {
	snap := h.access.Snapshot()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "no annotation context",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"context": snap,
	})
}

// SetContext replaces the context
func (h *Handlers) SetContext(c *gin.Context) {
	var ctx access.AnnotationContext
	if err := c.ShouldBindJSON(&ctx); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.access.SetContext(ctx); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"context": h.access.Snapshot(),
	})
}

// PatchContext merges a partial update into the context
func (h *Handlers) PatchContext(c *gin.Context) {
	var patch access.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.access.UpdateContext(patch); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"context": h.access.Snapshot(),
	})
}

// PermissionRequest asks whether an action is granted
type PermissionRequest struct {
	Action   string `json:"action" binding:"required"`
	Resource string `json:"resource" binding:"required"`
}

// CheckPermission evaluates a permission against the current context
func (h *Handlers) CheckPermission(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := h.access.Authorize(c.Request.Context(), req.Action, req.Resource)
	resp := gin.H{
		"success":  true,
		"action":   req.Action,
		"resource": req.Resource,
		"allowed":  err == nil,
	}
	if err != nil {
		resp["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// FullscreenRequest toggles fullscreen presentation
type FullscreenRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// Fullscreen enters or exits fullscreen
func (h *Handlers) Fullscreen(c *gin.Context) {
	var req FullscreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	state, err := h.ui.SetFullscreen(c.Request.Context(), *req.Enabled)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   state,
	})
}

// ResizeRequest asks for a new frame size
type ResizeRequest struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

// Resize resizes the frame within the configured bounds
func (h *Handlers) Resize(c *gin.Context) {
	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	size, err := h.ui.Resize(c.Request.Context(), req.Width, req.Height)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"size":    size,
	})
}
