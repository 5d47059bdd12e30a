// Package pipeline coordinates one capture cycle across the configured
// devices.
//
// The orchestrator fans out one worker per device slot, each running
// the same stage sequence: load profile, capture, recognize (optional),
// annotate, archive, upload (optional). Workers run concurrently but
// publish into a result slice indexed by device position, so the
// caller always sees device1 at index 0 no matter which worker finishes
// first. One device's failure never disturbs a sibling's pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/meterwatch/internal/camera"
	"github.com/visiona/meterwatch/internal/jpegmeta"
	"github.com/visiona/meterwatch/internal/settings"
)

// DefaultQuality is the encoder quality index used for device
// captures. Dial crops are small; a mid-scale index keeps digits
// legible without bloating the flash archive.
const DefaultQuality = 16

// PlaceholderText is recorded when recognition is skipped or failed.
const PlaceholderText = "N/A"

// ErrAllDevicesFailed means no device produced an archived capture.
var ErrAllDevicesFailed = errors.New("pipeline: all devices failed")

// Capturer produces one encoded frame per request.
type Capturer interface {
	Capture(ctx context.Context, quality int, roi camera.ROI, tuning camera.Tuning) ([]byte, error)
}

// Recognizer extracts text from an image.
type Recognizer interface {
	ImageToText(ctx context.Context, image []byte) (string, error)
}

// Archiver persists the final bytes under the canonical entry name.
type Archiver interface {
	Store(deviceID string, timestamp int64, bootCount uint64, data []byte) (string, error)
}

// Uploader pushes archived bytes to a remote collector.
type Uploader interface {
	Upload(ctx context.Context, destination, filename string, data []byte) error
}

// SettingsSource supplies device profiles and global tunables.
type SettingsSource interface {
	Devices() ([]settings.DeviceProfile, error)
	Common() settings.CommonSettings
	BootCount() uint64
}

// Result is one device's outcome. Slots are reported in configuration
// order; a failed device still occupies its slot with Err set and
// Filename empty.
type Result struct {
	Slot     string
	DeviceID string
	Filename string
	Metadata jpegmeta.Metadata
	Image    []byte
	Err      error
	TraceID  string
}

// OK reports whether the device reached the archive.
func (r Result) OK() bool { return r.Err == nil }

// Config configures an Orchestrator.
type Config struct {
	Settings SettingsSource
	Capturer Capturer
	Archiver Archiver

	// Recognizer may be nil; recognition is then always skipped.
	Recognizer Recognizer

	// Uploader may be nil; upload is then always skipped.
	Uploader Uploader

	// Quality overrides DefaultQuality when positive.
	Quality int

	// Now overrides time.Now for capture timestamps.
	Now func() time.Time
}

// Orchestrator runs capture cycles. Safe for concurrent use, though
// captures themselves serialize on the camera session.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("pipeline: settings source is required")
	}
	if cfg.Capturer == nil {
		return nil, fmt.Errorf("pipeline: capturer is required")
	}
	if cfg.Archiver == nil {
		return nil, fmt.Errorf("pipeline: archiver is required")
	}
	if cfg.Quality < 0 || cfg.Quality > camera.MaxQuality {
		return nil, fmt.Errorf("pipeline: quality %d out of range", cfg.Quality)
	}
	if cfg.Quality == 0 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run executes one capture cycle and returns one result per configured
// device, in configuration order. The returned error is non-nil only
// when the cycle could not start at all or when every device failed.
func (o *Orchestrator) Run(ctx context.Context) ([]Result, error) {
	profiles, err := o.cfg.Settings.Devices()
	if err != nil {
		return nil, fmt.Errorf("pipeline: load device profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("pipeline: no devices configured")
	}

	common := o.cfg.Settings.Common()
	boot := o.cfg.Settings.BootCount()
	cycleID := uuid.New().String()

	slog.Info("pipeline: cycle started",
		"cycle_id", cycleID,
		"devices", len(profiles),
		"boot_count", boot,
		"ocr", common.OCREnabled,
		"upload", common.CopyToServer,
	)

	results := make([]Result, len(profiles))
	var wg sync.WaitGroup
	for i, profile := range profiles {
		wg.Add(1)
		go func(i int, profile settings.DeviceProfile) {
			defer wg.Done()
			results[i] = o.runDevice(ctx, profile, common, boot, cycleID)
		}(i, profile)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	slog.Info("pipeline: cycle finished", "cycle_id", cycleID, "devices", len(results), "failed", failed)

	if failed == len(results) {
		return results, fmt.Errorf("%w: %d devices", ErrAllDevicesFailed, failed)
	}
	return results, nil
}

// runDevice walks one device through the stage sequence. Stages run
// strictly in order; recognition and annotation are best-effort, the
// capture is archived even when they fail.
func (o *Orchestrator) runDevice(ctx context.Context, profile settings.DeviceProfile, common settings.CommonSettings, boot uint64, cycleID string) Result {
	res := Result{
		Slot:     profile.Key,
		DeviceID: profile.ID,
		TraceID:  uuid.New().String(),
	}
	log := slog.With("cycle_id", cycleID, "slot", profile.Key, "trace_id", res.TraceID)

	roi := camera.ROI{X1: profile.X1, Y1: profile.Y1, X2: profile.X2, Y2: profile.Y2}
	tuning := camera.Tuning{
		Gain:             common.AGCGain,
		Exposure:         common.AECValue,
		IlluminationDuty: common.FlashDuty,
	}

	frame, err := o.cfg.Capturer.Capture(ctx, o.cfg.Quality, roi, tuning)
	if err != nil {
		log.Error("pipeline: capture failed", "error", err)
		res.Err = fmt.Errorf("capture %s: %w", profile.Key, err)
		return res
	}
	capturedAt := o.cfg.Now()

	text := PlaceholderText
	if common.OCREnabled && o.cfg.Recognizer != nil {
		if got, err := o.cfg.Recognizer.ImageToText(ctx, frame); err != nil {
			log.Warn("pipeline: recognition failed, archiving without text", "error", err)
		} else {
			text = got
		}
	}

	meta := jpegmeta.Metadata{
		DeviceID:   profile.ID,
		DeviceType: profile.Type,
		Timestamp:  capturedAt.Unix(),
		Text:       text,
	}
	final := frame
	if annotated, err := jpegmeta.AppendMetadata(frame, meta); err != nil {
		// The capture must not be lost because annotation failed.
		log.Warn("pipeline: annotation failed, archiving raw frame", "error", err)
	} else {
		final = annotated
	}

	name, err := o.cfg.Archiver.Store(profile.ID, capturedAt.Unix(), boot, final)
	if err != nil {
		log.Error("pipeline: archive failed", "error", err)
		res.Err = fmt.Errorf("archive %s: %w", profile.Key, err)
		return res
	}
	res.Filename = name
	res.Metadata = meta
	res.Image = final

	if common.CopyToServer && o.cfg.Uploader != nil {
		if err := o.cfg.Uploader.Upload(ctx, common.ServerPath, name, final); err != nil {
			// Local archival is authoritative; a lost upload is only
			// logged.
			log.Warn("pipeline: upload failed", "error", err)
		}
	}

	log.Info("pipeline: device reported", "filename", name, "text", text)
	return res
}
