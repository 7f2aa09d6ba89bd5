package handler

import (
	"errors"
	"net/http"

	"github.com/edgewatch/nvr-server/internal/retention"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RetentionHandler exposes the retention engine over HTTP: manual sweeps and
// on-demand storage statistics.
type RetentionHandler struct {
	log    *zap.Logger
	engine *retention.Engine
}

// NewRetentionHandler constructs a RetentionHandler instance.
func NewRetentionHandler(log *zap.Logger, engine *retention.Engine) *RetentionHandler {
	return &RetentionHandler{
		log:    log.Named("retention"),
		engine: engine,
	}
}

// TriggerCleanup handles POST /cleanup. Runs an immediate purge plus quota
// pass and reports what was reclaimed.
//
// Status Codes:
//   - 200 OK       → sweep result
//   - 409 Conflict → a sweep is already in progress
func (h *RetentionHandler) TriggerCleanup(c *gin.Context) {
	res, err := h.engine.TriggerCleanup()
	if err != nil {
		c.Error(err)
		if errors.Is(err, retention.ErrSweepBusy) {
			c.JSON(http.StatusConflict, gin.H{"message": retention.ErrSweepBusy.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReclaimOrphans handles POST /cleanup/orphans. Deletes entries whose names
// fall outside the addressing grammar.
//
// Status Codes:
//   - 200 OK
//   - 409 Conflict → an orphan sweep is already in progress
func (h *RetentionHandler) ReclaimOrphans(c *gin.Context) {
	res, err := h.engine.ReclaimOrphans()
	if err != nil {
		c.Error(err)
		if errors.Is(err, retention.ErrSweepBusy) {
			c.JSON(http.StatusConflict, gin.H{"message": retention.ErrSweepBusy.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetStorageStats handles GET /storage/stats. Walks every camera's tree;
// nothing is cached, so expect filesystem latency proportional to tree size.
func (h *RetentionHandler) GetStorageStats(c *gin.Context) {
	stats, err := h.engine.StorageStats()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetCameraStorageStats handles GET /storage/stats/{camera}.
//
// Status Codes:
//   - 200 OK
//   - 404 Not Found → camera not configured
func (h *RetentionHandler) GetCameraStorageStats(c *gin.Context) {
	stats, err := h.engine.CameraStorageStats(c.Param("camera"))
	if err != nil {
		c.Error(err)
		if errors.Is(err, storagepath.ErrUnknownCamera) {
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
