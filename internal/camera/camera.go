// Package camera drives the capture hardware and produces one image
// buffer per request.
//
// The hardware is a single shared subsystem behind a Driver. Session
// wraps a Driver with the single-acquirer discipline every caller must
// observe: one capture at a time, sensor reprogrammed per request,
// warm-up frames discarded, illumination released on every exit path.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/meterwatch/internal/retry"
)

const (
	// MinQuality and MaxQuality bound the encoder quality index.
	// Lower values mean better quality on this sensor family.
	MinQuality = 0
	MaxQuality = 63

	// warmupFrames is the number of stale frames discarded after the
	// sensor is reprogrammed. The imaging pipeline lags a settings
	// change by two frames.
	warmupFrames = 2

	// DefaultFetchAttempts is the frame fetch budget, counting the
	// first try.
	DefaultFetchAttempts = 3

	// DefaultFetchDelay separates fetch attempts, giving the sensor
	// time to produce the next frame.
	DefaultFetchDelay = 200 * time.Millisecond
)

var (
	// ErrInvalidQuality marks a quality index outside [MinQuality, MaxQuality].
	ErrInvalidQuality = errors.New("camera: quality out of range")

	// ErrEmptyFrame means the driver produced no frame within the
	// fetch budget.
	ErrEmptyFrame = errors.New("camera: empty frame from sensor")

	// ErrSessionClosed means the session was closed before the call.
	ErrSessionClosed = errors.New("camera: session closed")
)

// Tuning carries the per-capture sensor parameters read from the
// configuration store.
type Tuning struct {
	Gain     int
	Exposure int

	// IlluminationDuty is the flash LED PWM duty, 0 = off.
	IlluminationDuty int
}

// Driver is the hardware interface. Implementations are not required
// to be safe for concurrent use; Session serializes all access.
type Driver interface {
	// SetQuality programs the encoder quality index.
	SetQuality(q int) error

	// SetWindow programs the capture window.
	SetWindow(roi ROI) error

	// SetGain programs analog gain.
	SetGain(gain int) error

	// SetExposure programs the exposure value.
	SetExposure(value int) error

	// SetIllumination sets the flash LED duty. Zero turns it off.
	SetIllumination(duty int) error

	// Fetch returns the next encoded frame. A nil or empty buffer with
	// a nil error is a transient empty frame, not a driver fault.
	Fetch(ctx context.Context) ([]byte, error)

	// Close releases the hardware.
	Close() error
}

// Config configures a Session.
type Config struct {
	Driver Driver

	// FetchAttempts overrides DefaultFetchAttempts when positive.
	FetchAttempts int

	// FetchDelay overrides DefaultFetchDelay when positive.
	FetchDelay time.Duration
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	Captures       uint64
	Failures       uint64
	EmptyFrames    uint64
	WarmupsSkipped uint64
}

// Session owns exclusive access to the capture hardware.
type Session struct {
	driver Driver
	fetch  retry.Policy

	mu     sync.Mutex
	closed bool

	captures    atomic.Uint64
	failures    atomic.Uint64
	emptyFrames atomic.Uint64
	warmups     atomic.Uint64
}

// NewSession validates cfg and returns a session. The driver is
// required; everything else has defaults.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("camera: driver is required")
	}
	if cfg.FetchAttempts < 0 {
		return nil, fmt.Errorf("camera: fetch attempts must not be negative, got %d", cfg.FetchAttempts)
	}
	if cfg.FetchDelay < 0 {
		return nil, fmt.Errorf("camera: fetch delay must not be negative, got %v", cfg.FetchDelay)
	}

	attempts := cfg.FetchAttempts
	if attempts == 0 {
		attempts = DefaultFetchAttempts
	}
	delay := cfg.FetchDelay
	if delay == 0 {
		delay = DefaultFetchDelay
	}

	return &Session{
		driver: cfg.Driver,
		fetch:  retry.Fixed(attempts, delay),
	}, nil
}

// Capture programs the sensor and returns one encoded frame.
//
// The returned buffer is owned by the caller; the driver's internal
// buffer is copied out before the call returns, so the caller may hold
// the frame across slow pipeline stages without starving concurrent
// captures of driver buffers.
//
// Validation happens before any hardware access: an out-of-range
// quality or a misaligned window never touches the driver.
func (s *Session) Capture(ctx context.Context, quality int, roi ROI, tuning Tuning) ([]byte, error) {
	if quality < MinQuality || quality > MaxQuality {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidQuality, quality, MinQuality, MaxQuality)
	}
	if err := roi.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	frame, err := s.captureLocked(ctx, quality, roi, tuning)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	s.captures.Add(1)
	return frame, nil
}

func (s *Session) captureLocked(ctx context.Context, quality int, roi ROI, tuning Tuning) ([]byte, error) {
	if err := s.driver.SetGain(tuning.Gain); err != nil {
		return nil, fmt.Errorf("camera: set gain: %w", err)
	}
	if err := s.driver.SetExposure(tuning.Exposure); err != nil {
		return nil, fmt.Errorf("camera: set exposure: %w", err)
	}
	if err := s.driver.SetQuality(quality); err != nil {
		return nil, fmt.Errorf("camera: set quality: %w", err)
	}
	if err := s.driver.SetWindow(roi); err != nil {
		return nil, fmt.Errorf("camera: set window: %w", err)
	}

	if tuning.IlluminationDuty > 0 {
		if err := s.driver.SetIllumination(tuning.IlluminationDuty); err != nil {
			return nil, fmt.Errorf("camera: illumination on: %w", err)
		}
		// Off on every exit path, success or failure.
		defer func() {
			if err := s.driver.SetIllumination(0); err != nil {
				slog.Warn("camera: illumination off failed", "error", err)
			}
		}()
	}

	// The first frames after reprogramming still carry the previous
	// sensor state. Fetch and drop them.
	for i := 0; i < warmupFrames; i++ {
		if _, err := s.driver.Fetch(ctx); err != nil {
			return nil, fmt.Errorf("camera: warm-up fetch: %w", err)
		}
		s.warmups.Add(1)

		select {
		case <-time.After(s.fetch.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var frame []byte
	err := s.fetch.Do(ctx, "frame fetch", func(ctx context.Context) error {
		buf, err := s.driver.Fetch(ctx)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			s.emptyFrames.Add(1)
			return ErrEmptyFrame
		}
		// Copy out of the driver buffer before releasing the session:
		// the hardware has very few underlying buffers.
		frame = make([]byte, len(buf))
		copy(frame, buf)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("camera: frame captured",
		"bytes", len(frame),
		"quality", quality,
		"roi", roi.String(),
	)
	return frame, nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Captures:       s.captures.Load(),
		Failures:       s.failures.Load(),
		EmptyFrames:    s.emptyFrames.Load(),
		WarmupsSkipped: s.warmups.Load(),
	}
}

// Close releases the hardware. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.driver.Close()
}
