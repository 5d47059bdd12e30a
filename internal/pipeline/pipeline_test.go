package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/visiona/meterwatch/internal/camera"
	"github.com/visiona/meterwatch/internal/jpegmeta"
	"github.com/visiona/meterwatch/internal/settings"
)

type fakeSettings struct {
	devices []settings.DeviceProfile
	common  settings.CommonSettings
	boot    uint64
	loadErr error
}

func (f *fakeSettings) Devices() ([]settings.DeviceProfile, error) { return f.devices, f.loadErr }
func (f *fakeSettings) Common() settings.CommonSettings            { return f.common }
func (f *fakeSettings) BootCount() uint64                          { return f.boot }

// fakeCapturer scripts per-device frames. Devices are told apart by
// their capture window, the only per-device input the capturer sees.
type fakeCapturer struct {
	mu     sync.Mutex
	frames map[string][]byte
	errs   map[string]error
	delay  map[string]time.Duration
	byROI  map[camera.ROI]string
}

func (f *fakeCapturer) Capture(ctx context.Context, quality int, roi camera.ROI, tuning camera.Tuning) ([]byte, error) {
	f.mu.Lock()
	key := f.byROI[roi]
	frame := f.frames[key]
	err := f.errs[key]
	d := f.delay[key]
	f.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

type fakeRecognizer struct {
	text string
	err  error
}

func (f *fakeRecognizer) ImageToText(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type storedEntry struct {
	name string
	data []byte
}

type fakeArchiver struct {
	mu      sync.Mutex
	stored  []storedEntry
	failFor string // device id whose store fails
}

func (f *fakeArchiver) Store(deviceID string, timestamp int64, bootCount uint64, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if deviceID == f.failFor {
		return "", errors.New("disk full")
	}
	name := fmt.Sprintf("%s_%d_%d.jpg", deviceID, timestamp, bootCount)
	f.stored = append(f.stored, storedEntry{name: name, data: data})
	return name, nil
}

type uploadCall struct {
	destination string
	filename    string
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, destination, filename string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadCall{destination: destination, filename: filename})
	return f.err
}

var (
	roiA = camera.ROI{X1: 8, Y1: 8, X2: 24, Y2: 16}
	roiB = camera.ROI{X1: 16, Y1: 10, X2: 48, Y2: 42}
)

func jpegFrame() []byte {
	return []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
}

func twoDeviceSettings() *fakeSettings {
	return &fakeSettings{
		devices: []settings.DeviceProfile{
			{Key: "device1", ID: "device1", Type: "water", X1: 8, Y1: 8, X2: 24, Y2: 16},
			{Key: "device2", ID: "device2", Type: "gas", X1: 16, Y1: 10, X2: 48, Y2: 42},
		},
		common: settings.CommonSettings{AGCGain: 10, AECValue: 500},
		boot:   1,
	}
}

func twoDeviceCapturer() *fakeCapturer {
	return &fakeCapturer{
		frames: map[string][]byte{"a": jpegFrame(), "b": jpegFrame()},
		errs:   map[string]error{},
		delay:  map[string]time.Duration{},
		byROI:  map[camera.ROI]string{roiA: "a", roiB: "b"},
	}
}

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func TestNew_FailFast(t *testing.T) {
	valid := Config{Settings: twoDeviceSettings(), Capturer: twoDeviceCapturer(), Archiver: &fakeArchiver{}}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing settings", mutate: func(c *Config) { c.Settings = nil }},
		{name: "missing capturer", mutate: func(c *Config) { c.Capturer = nil }},
		{name: "missing archiver", mutate: func(c *Config) { c.Archiver = nil }},
		{name: "quality out of range", mutate: func(c *Config) { c.Quality = 64 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("New() succeeded, want error")
			}
		})
	}
}

func TestRun_ResultsIndexedByDevicePosition(t *testing.T) {
	// device1 is slow, device2 finishes first. The result order must
	// still follow configuration order.
	capt := twoDeviceCapturer()
	capt.delay["a"] = 50 * time.Millisecond

	o, err := New(Config{
		Settings: twoDeviceSettings(),
		Capturer: capt,
		Archiver: &fakeArchiver{},
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Run() returned %d results, want 2", len(results))
	}
	if results[0].Slot != "device1" || results[1].Slot != "device2" {
		t.Fatalf("result order = %s,%s", results[0].Slot, results[1].Slot)
	}
}

func TestRun_EndToEndArchiveEntry(t *testing.T) {
	arch := &fakeArchiver{}
	o, err := New(Config{
		Settings: twoDeviceSettings(),
		Capturer: twoDeviceCapturer(),
		Archiver: arch,
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if results[0].Filename != "device1_1700000000_1.jpg" {
		t.Fatalf("device1 filename = %q", results[0].Filename)
	}

	meta, err := jpegmeta.Extract(results[0].Image)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := jpegmeta.Metadata{DeviceID: "device1", DeviceType: "water", Timestamp: 1700000000, Text: PlaceholderText}
	if meta != want {
		t.Fatalf("embedded metadata = %+v, want %+v", meta, want)
	}

	// The archived bytes carry the same document.
	if len(arch.stored) != 2 {
		t.Fatalf("archived %d entries, want 2", len(arch.stored))
	}
}

func TestRun_DeviceFailureIsContained(t *testing.T) {
	capt := twoDeviceCapturer()
	capt.errs["a"] = camera.ErrEmptyFrame

	o, err := New(Config{
		Settings: twoDeviceSettings(),
		Capturer: capt,
		Archiver: &fakeArchiver{},
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v with one surviving device", err)
	}

	if results[0].OK() {
		t.Fatal("device1 reported success after a capture failure")
	}
	if !errors.Is(results[0].Err, camera.ErrEmptyFrame) {
		t.Fatalf("device1 error = %v", results[0].Err)
	}
	if results[0].Filename != "" {
		t.Fatalf("failed device has filename %q", results[0].Filename)
	}
	if !results[1].OK() || results[1].Filename == "" {
		t.Fatalf("device2 result = %+v, want success", results[1])
	}
}

func TestRun_AllDevicesFailed(t *testing.T) {
	capt := twoDeviceCapturer()
	capt.errs["a"] = camera.ErrEmptyFrame
	capt.errs["b"] = camera.ErrEmptyFrame

	o, err := New(Config{
		Settings: twoDeviceSettings(),
		Capturer: capt,
		Archiver: &fakeArchiver{},
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := o.Run(context.Background())
	if !errors.Is(err, ErrAllDevicesFailed) {
		t.Fatalf("Run() error = %v, want ErrAllDevicesFailed", err)
	}
	if len(results) != 2 {
		t.Fatalf("Run() returned %d results alongside the error, want 2", len(results))
	}
}

func TestRun_RecognitionBestEffort(t *testing.T) {
	tests := []struct {
		name       string
		ocrEnabled bool
		recognizer Recognizer
		wantText   string
	}{
		{name: "disabled", ocrEnabled: false, recognizer: &fakeRecognizer{text: "123"}, wantText: PlaceholderText},
		{name: "enabled and working", ocrEnabled: true, recognizer: &fakeRecognizer{text: "123"}, wantText: "123"},
		{name: "enabled but failing", ocrEnabled: true, recognizer: &fakeRecognizer{err: errors.New("ocr down")}, wantText: PlaceholderText},
		{name: "enabled without client", ocrEnabled: true, recognizer: nil, wantText: PlaceholderText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := twoDeviceSettings()
			st.common.OCREnabled = tt.ocrEnabled

			o, err := New(Config{
				Settings:   st,
				Capturer:   twoDeviceCapturer(),
				Archiver:   &fakeArchiver{},
				Recognizer: tt.recognizer,
				Now:        fixedNow,
			})
			if err != nil {
				t.Fatal(err)
			}

			results, err := o.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if results[0].Metadata.Text != tt.wantText {
				t.Fatalf("metadata text = %q, want %q", results[0].Metadata.Text, tt.wantText)
			}
			if !results[0].OK() {
				t.Fatal("recognition outcome affected archival")
			}
		})
	}
}

func TestRun_UploadBestEffort(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		st := twoDeviceSettings()
		st.common.CopyToServer = true
		st.common.ServerPath = "http://collector.local/upload"
		up := &fakeUploader{}

		o, err := New(Config{
			Settings: st,
			Capturer: twoDeviceCapturer(),
			Archiver: &fakeArchiver{},
			Uploader: up,
			Now:      fixedNow,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := o.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if len(up.calls) != 2 {
			t.Fatalf("uploader called %d times, want 2", len(up.calls))
		}
		for _, call := range up.calls {
			if call.destination != "http://collector.local/upload" {
				t.Fatalf("upload destination = %q", call.destination)
			}
		}
	})

	t.Run("failure does not retract the archive", func(t *testing.T) {
		st := twoDeviceSettings()
		st.common.CopyToServer = true
		st.common.ServerPath = "http://collector.local/upload"

		o, err := New(Config{
			Settings: st,
			Capturer: twoDeviceCapturer(),
			Archiver: &fakeArchiver{},
			Uploader: &fakeUploader{err: errors.New("collector down")},
			Now:      fixedNow,
		})
		if err != nil {
			t.Fatal(err)
		}

		results, err := o.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		for _, r := range results {
			if !r.OK() {
				t.Fatalf("result %s failed on upload error: %v", r.Slot, r.Err)
			}
		}
	})

	t.Run("disabled", func(t *testing.T) {
		up := &fakeUploader{}
		o, err := New(Config{
			Settings: twoDeviceSettings(),
			Capturer: twoDeviceCapturer(),
			Archiver: &fakeArchiver{},
			Uploader: up,
			Now:      fixedNow,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := o.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(up.calls) != 0 {
			t.Fatalf("uploader called %d times with copy-to-server off", len(up.calls))
		}
	})
}

func TestRun_ArchiveFailureIsTerminalForDevice(t *testing.T) {
	o, err := New(Config{
		Settings: twoDeviceSettings(),
		Capturer: twoDeviceCapturer(),
		Archiver: &fakeArchiver{failFor: "device2"},
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results[1].OK() {
		t.Fatal("device2 reported success after a store failure")
	}
	if !results[0].OK() {
		t.Fatal("device1 affected by sibling store failure")
	}
}

func TestRun_SettingsLoadFailureIsFatal(t *testing.T) {
	st := twoDeviceSettings()
	st.loadErr = errors.New("store gone")

	o, err := New(Config{
		Settings: st,
		Capturer: twoDeviceCapturer(),
		Archiver: &fakeArchiver{},
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded without device profiles")
	}
}
