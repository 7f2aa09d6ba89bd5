package handler

import (
	"net/http"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/retention"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/pkg/fmtt"
	"github.com/gin-gonic/gin"
)

// DebugHandler renders internal state as a plain-text dump. Registered in
// dev mode only.
type DebugHandler struct {
	registry *status.Registry
	engine   *retention.Engine
	cameras  *camera.Set
}

func NewDebugHandler(registry *status.Registry, engine *retention.Engine, cameras *camera.Set) *DebugHandler {
	return &DebugHandler{registry: registry, engine: engine, cameras: cameras}
}

// DumpState handles GET /debug/state.
func (h *DebugHandler) DumpState(c *gin.Context) {
	policies := make(map[string]camera.RetentionPolicy, h.cameras.Len())
	for _, id := range h.cameras.IDs() {
		policies[id] = h.engine.Policy(id)
	}

	state := struct {
		Streams  []status.StreamStatus
		Policies map[string]camera.RetentionPolicy
	}{
		Streams:  h.registry.All(),
		Policies: policies,
	}

	c.String(http.StatusOK, fmtt.Sdump(state))
}
