// meterwatchd is the meter camera appliance daemon.
//
// One process owns the whole unit: it opens the settings store, brings
// up the camera, runs a capture cycle on boot, serves the local
// configuration UI, and either goes back to sleep through the power
// manager or keeps capturing on a schedule when sleep is disabled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/visiona/meterwatch/internal/announce"
	"github.com/visiona/meterwatch/internal/archive"
	"github.com/visiona/meterwatch/internal/camera"
	"github.com/visiona/meterwatch/internal/camera/gst"
	"github.com/visiona/meterwatch/internal/pipeline"
	"github.com/visiona/meterwatch/internal/power"
	"github.com/visiona/meterwatch/internal/recognize"
	"github.com/visiona/meterwatch/internal/settings"
	"github.com/visiona/meterwatch/internal/upload"
	"github.com/visiona/meterwatch/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("meterwatchd: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; on the appliance the environment comes from
	// the systemd unit.
	if err := godotenv.Load(); err == nil {
		slog.Info("meterwatchd: loaded .env")
	}
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(envStr("METERWATCH_SETTINGS_PATH", "/var/lib/meterwatch/settings.yaml"))
	if err != nil {
		return err
	}

	arch, err := archive.New(archive.Config{
		Dir:      envStr("METERWATCH_ARCHIVE_DIR", "/var/lib/meterwatch/images"),
		MaxFiles: envInt("METERWATCH_ARCHIVE_MAX_FILES", 0),
	})
	if err != nil {
		return err
	}

	driver, err := gst.Open(gst.Config{
		DevicePath:       envStr("METERWATCH_VIDEO_DEVICE", "/dev/video0"),
		SensorWidth:      envInt("METERWATCH_SENSOR_WIDTH", 1600),
		SensorHeight:     envInt("METERWATCH_SENSOR_HEIGHT", 1200),
		IlluminationPath: os.Getenv("METERWATCH_LED_PATH"),
	})
	if err != nil {
		return err
	}

	session, err := camera.NewSession(camera.Config{Driver: driver})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("meterwatchd: closing camera failed", "error", err)
		}
	}()

	uploader, err := upload.NewClient(upload.Config{})
	if err != nil {
		return err
	}

	orch, err := pipeline.New(pipeline.Config{
		Settings:   store,
		Capturer:   session,
		Archiver:   arch,
		Recognizer: buildRecognizer(store),
		Uploader:   uploader,
	})
	if err != nil {
		return err
	}

	publisher := buildPublisher()
	if publisher != nil {
		defer publisher.Close()
	}

	manager, err := power.New(power.Config{
		Settings: store,
		Sleep:    platformSleep,
	})
	if err != nil {
		return err
	}
	manager.Start(ctx)
	defer manager.Stop()

	server, err := web.NewServer(web.Config{
		Settings: store,
		Runner:   orch,
		Capturer: session,
		Activity: manager,
	})
	if err != nil {
		return err
	}

	// The unit woke up to take a reading; do that before anything can
	// send it back to sleep.
	runCycle(ctx, orch, publisher)

	if common := store.Common(); !common.SleepEnabled {
		// Without sleep cycles the boot-time capture would be the only
		// one; a schedule at the sleep cadence stands in for the wakeups.
		sched := cron.New()
		spec := envStr("METERWATCH_CAPTURE_SCHEDULE",
			fmt.Sprintf("@every %ds", common.SleepSeconds))
		if _, err := sched.AddFunc(spec, func() {
			runCycle(ctx, orch, publisher)
		}); err != nil {
			return fmt.Errorf("meterwatchd: bad capture schedule %q: %w", spec, err)
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("meterwatchd: capture schedule active", "spec", spec)
	}

	return server.Serve(ctx, envStr("METERWATCH_HTTP_ADDR", ":8080"))
}

func runCycle(ctx context.Context, orch *pipeline.Orchestrator, publisher *announce.Publisher) {
	results, err := orch.Run(ctx)
	if err != nil {
		slog.Error("meterwatchd: capture cycle failed", "error", err)
	}
	if publisher != nil && len(results) > 0 {
		if err := publisher.Announce(results); err != nil {
			slog.Warn("meterwatchd: announcing captures failed", "error", err)
		}
	}
}

func buildRecognizer(store *settings.Store) pipeline.Recognizer {
	common := store.Common()
	url := envStr("METERWATCH_OCR_URL", common.OCRServerURL)
	key := envStr("METERWATCH_OCR_KEY", common.OCRAPIKey)
	if url == "" || key == "" {
		slog.Info("meterwatchd: no OCR service configured")
		return nil
	}

	client, err := recognize.NewClient(recognize.Config{BaseURL: url, APIKey: key})
	if err != nil {
		slog.Warn("meterwatchd: OCR client unavailable", "error", err)
		return nil
	}
	return client
}

func buildPublisher() *announce.Publisher {
	broker := os.Getenv("METERWATCH_MQTT_BROKER")
	if broker == "" {
		return nil
	}

	publisher, err := announce.NewPublisher(announce.Config{
		Broker:   broker,
		ClientID: envStr("METERWATCH_MQTT_CLIENT_ID", "meterwatch"),
		Username: os.Getenv("METERWATCH_MQTT_USERNAME"),
		Password: os.Getenv("METERWATCH_MQTT_PASSWORD"),
	})
	if err != nil {
		slog.Warn("meterwatchd: MQTT announcements unavailable", "error", err)
		return nil
	}
	return publisher
}

// platformSleep suspends the board and programs the RTC to wake it.
func platformSleep(d time.Duration) error {
	secs := int(d.Seconds())
	cmd := exec.Command("rtcwake", "-m", "mem", "-s", strconv.Itoa(secs))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rtcwake: %w", err)
	}
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	switch os.Getenv("METERWATCH_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("meterwatchd: ignoring bad numeric env", "key", key, "value", v)
		return fallback
	}
	return n
}
