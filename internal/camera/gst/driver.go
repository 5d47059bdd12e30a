// Package gst implements the camera.Driver interface on top of a
// GStreamer capture pipeline.
//
// Pipeline structure:
//
//	v4l2src → videocrop → videoconvert → jpegenc → appsink
//
// The appsink callback copies each encoded frame out of the GStreamer
// buffer and hands it to a 1-deep mailbox channel; Fetch drains that
// mailbox. Sensor controls (gain, exposure) are pushed to the source
// element as v4l2 extra-controls, the capture window is applied through
// videocrop, and the flash LED is driven through a sysfs brightness
// file when one is configured.
package gst

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/meterwatch/internal/camera"
)

const (
	// DefaultFetchTimeout bounds one Fetch wait for an encoded frame.
	// A timeout surfaces as a transient empty frame, not an error, so
	// the session's retry budget decides when to give up.
	DefaultFetchTimeout = 2 * time.Second

	// jpegMaxQuality and jpegMinQuality bound the encoder's ascending
	// quality scale when mapping from the sensor's descending index.
	jpegMaxQuality = 95
	jpegMinQuality = 10
)

// Config configures the capture pipeline.
type Config struct {
	// DevicePath is the video device node, e.g. /dev/video0.
	DevicePath string

	// SensorWidth and SensorHeight are the full sensor frame size the
	// crop window is cut from.
	SensorWidth  int
	SensorHeight int

	// IlluminationPath is the sysfs brightness file of the flash LED.
	// Empty disables illumination control.
	IlluminationPath string

	// FetchTimeout overrides DefaultFetchTimeout when positive.
	FetchTimeout time.Duration
}

// Driver drives one local camera through GStreamer. It satisfies
// camera.Driver; the camera session serializes all calls, so no
// internal locking is needed beyond the frame mailbox.
type Driver struct {
	cfg      Config
	pipeline *gst.Pipeline
	source   *gst.Element
	crop     *gst.Element
	encoder  *gst.Element
	sink     *app.Sink

	frames chan []byte

	closeOnce sync.Once
	closeErr  error
}

var _ camera.Driver = (*Driver)(nil)

// Open builds the pipeline and sets it playing.
func Open(cfg Config) (*Driver, error) {
	if cfg.DevicePath == "" {
		return nil, fmt.Errorf("gst: device path is required")
	}
	if cfg.SensorWidth <= 0 || cfg.SensorHeight <= 0 {
		return nil, fmt.Errorf("gst: sensor size %dx%d is invalid", cfg.SensorWidth, cfg.SensorHeight)
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gst: create pipeline: %w", err)
	}

	source, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("gst: create v4l2src: %w", err)
	}
	source.SetProperty("device", cfg.DevicePath)

	crop, err := gst.NewElement("videocrop")
	if err != nil {
		return nil, fmt.Errorf("gst: create videocrop: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gst: create videoconvert: %w", err)
	}

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return nil, fmt.Errorf("gst: create jpegenc: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gst: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1) // keep only the latest frame
	sink.SetProperty("drop", true)

	pipeline.AddMany(source, crop, converter, encoder, sink.Element)
	if err := gst.ElementLinkMany(source, crop, converter, encoder, sink.Element); err != nil {
		return nil, fmt.Errorf("gst: link pipeline elements: %w", err)
	}

	d := &Driver{
		cfg:      cfg,
		pipeline: pipeline,
		source:   source,
		crop:     crop,
		encoder:  encoder,
		sink:     sink,
		frames:   make(chan []byte, 1),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gst: start pipeline: %w", err)
	}

	slog.Info("gst: capture pipeline started",
		"device", cfg.DevicePath,
		"sensor", fmt.Sprintf("%dx%d", cfg.SensorWidth, cfg.SensorHeight),
	)
	return d, nil
}

func (d *Driver) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gst: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gst: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gst: empty buffer received")
		return gst.FlowOK
	}

	// Copy out before unmapping; GStreamer reuses the buffer.
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	// 1-deep mailbox: replace a stale frame rather than block the
	// streaming thread.
	select {
	case d.frames <- frame:
	default:
		select {
		case <-d.frames:
		default:
		}
		select {
		case d.frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

// SetQuality maps the descending sensor quality index onto the
// encoder's ascending percentage scale.
func (d *Driver) SetQuality(q int) error {
	mapped := jpegMaxQuality - q
	if mapped < jpegMinQuality {
		mapped = jpegMinQuality
	}
	d.encoder.SetProperty("quality", mapped)
	return nil
}

// SetWindow converts the window into videocrop margins against the
// full sensor frame.
func (d *Driver) SetWindow(roi camera.ROI) error {
	if roi.X2 > d.cfg.SensorWidth || roi.Y2 > d.cfg.SensorHeight {
		return fmt.Errorf("gst: window %s exceeds sensor %dx%d",
			roi, d.cfg.SensorWidth, d.cfg.SensorHeight)
	}

	d.crop.SetProperty("left", roi.X1)
	d.crop.SetProperty("top", roi.Y1)
	d.crop.SetProperty("right", d.cfg.SensorWidth-roi.X2)
	d.crop.SetProperty("bottom", d.cfg.SensorHeight-roi.Y2)
	return nil
}

// SetGain pushes analog gain to the source as a v4l2 control.
func (d *Driver) SetGain(gain int) error {
	return d.setControl("gain", gain)
}

// SetExposure pushes the exposure value to the source as a v4l2 control.
func (d *Driver) SetExposure(value int) error {
	return d.setControl("exposure", value)
}

func (d *Driver) setControl(name string, value int) error {
	s := gst.NewStructureFromString(fmt.Sprintf("controls,%s=%d", name, value))
	if s == nil {
		return fmt.Errorf("gst: build %s control structure", name)
	}
	d.source.SetProperty("extra-controls", s)
	return nil
}

// SetIllumination writes the duty to the LED brightness file. Without
// a configured path the call is a no-op.
func (d *Driver) SetIllumination(duty int) error {
	if d.cfg.IlluminationPath == "" {
		return nil
	}
	if err := os.WriteFile(d.cfg.IlluminationPath, []byte(fmt.Sprintf("%d", duty)), 0o644); err != nil {
		return fmt.Errorf("gst: set illumination duty: %w", err)
	}
	return nil
}

// Fetch waits for the next encoded frame. A timeout returns an empty
// frame with no error, letting the caller's retry budget decide.
func (d *Driver) Fetch(ctx context.Context) ([]byte, error) {
	// Drop whatever predates this request; the caller wants a frame
	// captured under the settings it just programmed.
	select {
	case <-d.frames:
	default:
	}

	select {
	case frame := <-d.frames:
		return frame, nil
	case <-time.After(d.cfg.FetchTimeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline. Safe to call more than once.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		if err := d.pipeline.SetState(gst.StateNull); err != nil {
			d.closeErr = fmt.Errorf("gst: stop pipeline: %w", err)
		}
	})
	return d.closeErr
}
