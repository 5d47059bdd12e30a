// Package web exposes the local configuration UI over HTTP.
//
// The routes mirror what the on-device front-end expects: flat settings
// JSON, a full-frame preview capture for drawing capture rectangles,
// partial settings updates and a live trigger for a full capture cycle.
// Every request resets the power manager's inactivity timer so the unit
// does not fall asleep under an operator.
package web

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visiona/meterwatch/internal/camera"
	"github.com/visiona/meterwatch/internal/pipeline"
	"github.com/visiona/meterwatch/internal/settings"
)

// PreviewQuality is the encoder index for the full-frame preview. The
// preview only guides rectangle placement, so a coarse index keeps the
// response small.
const PreviewQuality = 60

// PreviewROI is the full-frame window used for the preview capture.
var PreviewROI = camera.ROI{X1: 0, Y1: 0, X2: 1600, Y2: 600}

// SettingsStore is the configuration surface the UI needs.
type SettingsStore interface {
	Device(slot string) (settings.DeviceProfile, error)
	SetDeviceIdentity(slot, id, meterType string) error
	SetDeviceROI(slot string, x1, y1, x2, y2 int) error
	Common() settings.CommonSettings
	SetCommon(c settings.CommonSettings) error
}

// CycleRunner triggers one capture cycle.
type CycleRunner interface {
	Run(ctx context.Context) ([]pipeline.Result, error)
}

// Capturer produces the preview frame.
type Capturer interface {
	Capture(ctx context.Context, quality int, roi camera.ROI, tuning camera.Tuning) ([]byte, error)
}

// ActivitySink is notified on every request. The power manager's
// inactivity timer satisfies it.
type ActivitySink interface {
	Touch()
}

// Config configures a Server.
type Config struct {
	Settings SettingsStore
	Runner   CycleRunner
	Capturer Capturer

	// Activity may be nil when no sleep management is wired in.
	Activity ActivitySink
}

// Server serves the configuration UI.
type Server struct {
	cfg    Config
	engine *gin.Engine
}

// NewServer validates cfg and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("web: settings store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("web: cycle runner is required")
	}
	if cfg.Capturer == nil {
		return nil, fmt.Errorf("web: capturer is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, engine: engine}
	engine.Use(s.trackActivity)

	engine.GET("/", s.index)
	engine.GET("/load_settings", s.loadSettings)
	engine.GET("/take_init_image", s.takeInitImage)
	engine.POST("/save_common_settings", s.saveCommonSettings)
	engine.POST("/save_device_id", s.saveDeviceID)
	engine.POST("/save_coordinates", s.saveCoordinates)
	engine.POST("/get_images", s.getImages)

	return s, nil
}

// Handler exposes the route table for serving and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve blocks until ctx is cancelled, then shuts the listener down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("web: listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("web: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

func (s *Server) trackActivity(c *gin.Context) {
	if s.cfg.Activity != nil {
		s.cfg.Activity.Touch()
	}
	c.Next()
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": msg})
}

func serverError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": msg})
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>meterwatch</title></head>
<body>
<h1>meterwatch</h1>
<p>Meter camera appliance. Endpoints:</p>
<ul>
<li>GET /load_settings</li>
<li>GET /take_init_image</li>
<li>POST /save_common_settings</li>
<li>POST /save_device_id</li>
<li>POST /save_coordinates</li>
<li>POST /get_images</li>
</ul>
</body>
</html>
`

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
}

// loadSettings returns the flat key set the front-end binds its form
// fields to.
func (s *Server) loadSettings(c *gin.Context) {
	out := gin.H{}
	for _, slot := range settings.SlotKeys {
		p, err := s.cfg.Settings.Device(slot)
		if err != nil {
			serverError(c, "Internal Server Error")
			return
		}
		out[slot+"_id"] = p.ID
		out[slot+"_type"] = p.Type
		out[slot+"_x1"] = p.X1
		out[slot+"_y1"] = p.Y1
		out[slot+"_x2"] = p.X2
		out[slot+"_y2"] = p.Y2
	}

	common := s.cfg.Settings.Common()
	out["sleep_enabled"] = common.SleepEnabled
	out["sleep_seconds"] = common.SleepSeconds
	out["ocr_enabled"] = common.OCREnabled
	out["copy_to_server"] = common.CopyToServer
	out["server_path"] = common.ServerPath
	out["agc_gain"] = common.AGCGain
	out["aec_value"] = common.AECValue
	out["flash_duty"] = common.FlashDuty

	c.JSON(http.StatusOK, out)
}

// takeInitImage captures a coarse full-frame preview.
func (s *Server) takeInitImage(c *gin.Context) {
	common := s.cfg.Settings.Common()
	tuning := camera.Tuning{
		Gain:             common.AGCGain,
		Exposure:         common.AECValue,
		IlluminationDuty: common.FlashDuty,
	}

	frame, err := s.cfg.Capturer.Capture(c.Request.Context(), PreviewQuality, PreviewROI, tuning)
	if err != nil {
		slog.Error("web: preview capture failed", "error", err)
		serverError(c, "Internal Server Error")
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

// commonPayload carries a partial settings update; absent fields keep
// their stored values.
type commonPayload struct {
	OCREnabled   *bool   `json:"ocr_enabled"`
	CopyToServer *bool   `json:"copy_to_server"`
	ServerPath   *string `json:"server_path"`
	SleepEnabled *bool   `json:"sleep_enabled"`
	SleepSeconds *uint32 `json:"sleep_seconds"`
	AGCGain      *int    `json:"agc_gain"`
	AECValue     *int    `json:"aec_value"`
	FlashDuty    *int    `json:"flash_duty"`
}

func (s *Server) saveCommonSettings(c *gin.Context) {
	var payload commonPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Bad Request")
		return
	}

	common := s.cfg.Settings.Common()
	if payload.OCREnabled != nil {
		common.OCREnabled = *payload.OCREnabled
	}
	if payload.CopyToServer != nil {
		common.CopyToServer = *payload.CopyToServer
	}
	if payload.ServerPath != nil {
		common.ServerPath = *payload.ServerPath
	}
	if payload.SleepEnabled != nil {
		common.SleepEnabled = *payload.SleepEnabled
	}
	if payload.SleepSeconds != nil {
		common.SleepSeconds = *payload.SleepSeconds
	}
	if payload.AGCGain != nil {
		common.AGCGain = *payload.AGCGain
	}
	if payload.AECValue != nil {
		common.AECValue = *payload.AECValue
	}
	if payload.FlashDuty != nil {
		common.FlashDuty = *payload.FlashDuty
	}

	if err := s.cfg.Settings.SetCommon(common); err != nil {
		badRequest(c, "Bad Request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type deviceIDPayload struct {
	Key  string `json:"key"`
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (s *Server) saveDeviceID(c *gin.Context) {
	var payload deviceIDPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Bad Request")
		return
	}

	if err := s.cfg.Settings.SetDeviceIdentity(payload.Key, payload.ID, payload.Type); err != nil {
		slog.Warn("web: device identity rejected", "key", payload.Key, "error", err)
		badRequest(c, "Bad Request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "key": payload.Key})
}

type coordinatesPayload struct {
	Device string `json:"device"`
	X1     int    `json:"x1"`
	Y1     int    `json:"y1"`
	X2     int    `json:"x2"`
	Y2     int    `json:"y2"`
}

func (s *Server) saveCoordinates(c *gin.Context) {
	var payload coordinatesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Bad Request")
		return
	}

	if err := s.cfg.Settings.SetDeviceROI(payload.Device, payload.X1, payload.Y1, payload.X2, payload.Y2); err != nil {
		slog.Warn("web: coordinates rejected", "device", payload.Device, "error", err)
		badRequest(c, "Bad Request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// getImages runs one capture cycle and returns the per-device images
// with their embedded metadata.
func (s *Server) getImages(c *gin.Context) {
	results, err := s.cfg.Runner.Run(c.Request.Context())
	if err != nil && !errors.Is(err, pipeline.ErrAllDevicesFailed) {
		slog.Error("web: capture cycle failed", "error", err)
		serverError(c, "Internal Server Error")
		return
	}

	devices := gin.H{}
	for _, r := range results {
		if !r.OK() {
			continue
		}
		devices[r.Slot] = gin.H{
			"device_image": base64.StdEncoding.EncodeToString(r.Image),
			"device_data":  r.Metadata,
		}
	}

	if len(devices) == 0 {
		serverError(c, "Internal Server Error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
