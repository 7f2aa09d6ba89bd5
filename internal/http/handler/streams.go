package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/infrastructure/encoderproc"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/internal/supervisor"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamsHandler provides HTTP handlers for stream slots.
//
// Supported operations:
//   - GET    /streams                         → List every slot's status
//   - GET    /streams/{camera}/{kind}         → One slot's status
//   - GET    /streams/{camera}/{kind}/logs    → Encoder stderr tail
//   - POST   /streams/{camera}/{kind}/start   → Launch the encoder
//   - POST   /streams/{camera}/{kind}/stop    → Graceful stop
//   - POST   /streams/{camera}/{kind}/restart → Stop then relaunch
//
// A slot is addressed by camera ID plus stream kind ("live" or "recording").
type StreamsHandler struct {
	log      *zap.Logger
	sup      *supervisor.Supervisor
	registry *status.Registry
	logs     *encoderproc.LogManager
}

// NewStreamsHandler constructs a StreamsHandler instance.
func NewStreamsHandler(log *zap.Logger, sup *supervisor.Supervisor, registry *status.Registry, logs *encoderproc.LogManager) *StreamsHandler {
	return &StreamsHandler{
		log:      log.Named("streams"),
		sup:      sup,
		registry: registry,
		logs:     logs,
	}
}

// streamParams pulls camera and kind out of the route. Writes the 400 itself
// and returns ok=false when the kind is not part of the vocabulary.
func streamParams(c *gin.Context) (string, camera.StreamKind, bool) {
	camID := c.Param("camera")
	kind := camera.StreamKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "kind must be \"live\" or \"recording\""})
		return "", "", false
	}
	return camID, kind, true
}

// GetStreamList handles GET /streams.
//
// Status Codes:
//   - 200 OK → JSON array of stream statuses, plus X-Total-Count header
func (h *StreamsHandler) GetStreamList(c *gin.Context) {
	all := h.registry.All()
	c.Header("X-Total-Count", strconv.Itoa(len(all)))
	c.JSON(http.StatusOK, all)
}

// GetStream handles GET /streams/{camera}/{kind}.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request → unknown kind
//   - 404 Not Found   → unknown camera
func (h *StreamsHandler) GetStream(c *gin.Context) {
	camID, kind, ok := streamParams(c)
	if !ok {
		return
	}

	st, ok := h.registry.Get(camID, kind)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown stream"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetStreamLogs handles GET /streams/{camera}/{kind}/logs?lines=N.
// Returns the newest stderr lines of the slot's encoder, newest first.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request
//   - 404 Not Found → no encoder has ever run for the slot
func (h *StreamsHandler) GetStreamLogs(c *gin.Context) {
	camID, kind, ok := streamParams(c)
	if !ok {
		return
	}

	lines := 100
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be 1..500"})
			return
		}
		lines = n
	}

	tail, ok := h.logs.Tail(supervisor.StreamKey(camID, kind), lines)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no logs for stream"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera": camID, "kind": kind, "logs": tail})
}

// StartStream handles POST /streams/{camera}/{kind}/start.
// Idempotent while the slot is already starting or running.
//
// Status Codes:
//   - 200 OK → status snapshot after the start
//   - 400/404
//   - 502 Bad Gateway → encoder could not be launched
func (h *StreamsHandler) StartStream(c *gin.Context) {
	camID, kind, ok := streamParams(c)
	if !ok {
		return
	}

	st, err := h.sup.StartStream(camID, kind)
	if err != nil {
		h.writeStreamErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StopStream handles POST /streams/{camera}/{kind}/stop.
// No-op when the slot is already stopped.
func (h *StreamsHandler) StopStream(c *gin.Context) {
	camID, kind, ok := streamParams(c)
	if !ok {
		return
	}

	st, err := h.sup.StopStream(camID, kind)
	if err != nil {
		h.writeStreamErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RestartStream handles POST /streams/{camera}/{kind}/restart.
// Always cycles the encoder, even when the slot looks healthy.
func (h *StreamsHandler) RestartStream(c *gin.Context) {
	camID, kind, ok := streamParams(c)
	if !ok {
		return
	}

	st, err := h.sup.RestartStream(camID, kind)
	if err != nil {
		h.writeStreamErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *StreamsHandler) writeStreamErr(c *gin.Context, err error) {
	c.Error(err)
	switch {
	case errors.Is(err, supervisor.ErrUnknownStream):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, supervisor.ErrLaunch):
		c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
