package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/infrastructure/encoderproc"
	"github.com/edgewatch/nvr-server/internal/retention"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"github.com/edgewatch/nvr-server/internal/supervisor"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func testRouter(t *testing.T) (*gin.Engine, *status.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	set, err := camera.NewSet([]camera.Camera{{ID: "cam1", Host: "10.0.0.5", Path: "/s"}})
	if err != nil {
		t.Fatal(err)
	}
	layout := storagepath.New(t.TempDir(), "/media", set)
	registry := status.NewRegistry()

	sup := supervisor.New(zap.NewNop(), supervisor.Options{
		Cameras:  set,
		Layout:   layout,
		Registry: registry,
		Launcher: supervisor.LauncherFunc(func(string, []string) (supervisor.Handle, error) {
			return nil, errors.New("spawn refused")
		}),
		EncoderBinary:   "ffmpeg",
		SegmentDuration: 2 * time.Second,
		LiveWindowSize:  6,
		HealthInterval:  time.Hour,
		StopGrace:       10 * time.Millisecond,
	})
	t.Cleanup(sup.Shutdown)

	engine := retention.NewEngine(zap.NewNop(), retention.Options{
		Layout:  layout,
		Cameras: set,
	})

	r := gin.New()
	streams := NewStreamsHandler(zap.NewNop(), sup, registry, encoderproc.NewLogManager())
	r.GET("/api/streams", streams.GetStreamList)
	r.GET("/api/streams/:camera/:kind", streams.GetStream)
	r.GET("/api/streams/:camera/:kind/logs", streams.GetStreamLogs)
	r.POST("/api/streams/:camera/:kind/start", streams.StartStream)
	r.POST("/api/streams/:camera/:kind/stop", streams.StopStream)

	ret := NewRetentionHandler(zap.NewNop(), engine)
	r.POST("/api/cleanup", ret.TriggerCleanup)
	r.GET("/api/storage/stats", ret.GetStorageStats)
	r.GET("/api/storage/stats/:camera", ret.GetCameraStorageStats)

	return r, registry
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestGetStreamList(t *testing.T) {
	r, _ := testRouter(t)

	w := do(r, http.MethodGet, "/api/streams")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if got := w.Header().Get("X-Total-Count"); got != "2" {
		t.Errorf("X-Total-Count: %q", got)
	}

	var list []status.StreamStatus
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(list) != 2 || list[0].State != "idle" {
		t.Errorf("list: %+v", list)
	}
}

func TestGetStream_badKind(t *testing.T) {
	r, _ := testRouter(t)
	if w := do(r, http.MethodGet, "/api/streams/cam1/vod"); w.Code != http.StatusBadRequest {
		t.Errorf("status: %d", w.Code)
	}
}

func TestGetStream_unknownCamera(t *testing.T) {
	r, _ := testRouter(t)
	if w := do(r, http.MethodGet, "/api/streams/ghost/live"); w.Code != http.StatusNotFound {
		t.Errorf("status: %d", w.Code)
	}
}

func TestStartStream_launchRefused(t *testing.T) {
	r, _ := testRouter(t)
	if w := do(r, http.MethodPost, "/api/streams/cam1/live/start"); w.Code != http.StatusBadGateway {
		t.Errorf("status: %d", w.Code)
	}
}

func TestStopStream_idle(t *testing.T) {
	r, _ := testRouter(t)
	w := do(r, http.MethodPost, "/api/streams/cam1/recording/stop")
	if w.Code != http.StatusOK {
		t.Errorf("status: %d", w.Code)
	}
}

func TestGetStreamLogs(t *testing.T) {
	r, _ := testRouter(t)

	if w := do(r, http.MethodGet, "/api/streams/cam1/live/logs"); w.Code != http.StatusNotFound {
		t.Errorf("no-logs status: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/streams/cam1/live/logs?lines=9999"); w.Code != http.StatusBadRequest {
		t.Errorf("bad lines status: %d", w.Code)
	}
}

func TestTriggerCleanupAndStats(t *testing.T) {
	r, _ := testRouter(t)

	w := do(r, http.MethodPost, "/api/cleanup")
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup status: %d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/storage/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: %d", w.Code)
	}
	var stats retention.StorageStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	if len(stats.Cameras) != 1 {
		t.Errorf("stats cameras: %+v", stats)
	}

	if w := do(r, http.MethodGet, "/api/storage/stats/ghost"); w.Code != http.StatusNotFound {
		t.Errorf("unknown camera stats status: %d", w.Code)
	}
}
