// Package settings persists the appliance configuration.
//
// The store is a single YAML file managed through viper, playing the
// role the key-value flash partition plays on the embedded unit: device
// slots, global tunables, the boot counter and the last saved wall
// clock all live here and survive power cycles. Open seeds missing
// keys with defaults and bumps the boot counter, so a fresh unit is
// fully configured after its first start.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Device slot keys. The slot count is fixed; slots are created with
// defaults on first open and never deleted.
const (
	SlotDevice1 = "device1"
	SlotDevice2 = "device2"
)

// SlotKeys lists the fixed device slots in pipeline order.
var SlotKeys = []string{SlotDevice1, SlotDevice2}

// DeviceProfile describes one monitored meter dial.
type DeviceProfile struct {
	Key  string
	ID   string
	Type string
	X1   int
	Y1   int
	X2   int
	Y2   int
}

// CommonSettings holds the global tunables.
type CommonSettings struct {
	OCREnabled   bool
	OCRServerURL string
	OCRAPIKey    string
	CopyToServer bool
	ServerPath   string
	SleepEnabled bool
	SleepSeconds uint32
	AGCGain      int
	AECValue     int
	FlashDuty    int
}

// Defaults for a slot that has never been configured. The ROI is a
// placeholder the operator replaces during setup.
func defaultProfile(slot, id string) DeviceProfile {
	return DeviceProfile{Key: slot, ID: id, X1: 8, Y1: 8, X2: 28, Y2: 28}
}

var defaultCommon = CommonSettings{
	SleepEnabled: true,
	SleepSeconds: 180,
	AGCGain:      10,
	AECValue:     500,
	FlashDuty:    100,
}

// Store is the persistent configuration store. Methods are safe for
// concurrent use; every mutation is flushed to disk before returning.
type Store struct {
	mu sync.Mutex
	v  *viper.Viper
}

// Open loads (or creates) the settings file at path, seeds any missing
// keys with their defaults, and increments the boot counter.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("settings: file path is required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// viper wraps fs errors differently depending on how the
			// file path was given; a missing file is fine either way.
			if !isNotExist(err) {
				return nil, fmt.Errorf("settings: read %s: %w", path, err)
			}
		}
		slog.Warn("settings: no settings file found, creating with defaults", "path", path)
	}

	s := &Store{v: v}
	s.seedDefaults()

	boot := v.GetUint64("boot_count") + 1
	v.Set("boot_count", boot)
	slog.Info("settings: store opened", "path", path, "boot_count", boot)

	if err := v.WriteConfigAs(path); err != nil {
		return nil, fmt.Errorf("settings: write %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) seedDefaults() {
	s.v.SetDefault("boot_count", uint64(0))
	s.v.SetDefault("saved_time", int64(0))

	s.v.SetDefault("common.ocr_enabled", defaultCommon.OCREnabled)
	s.v.SetDefault("common.ocr_server_url", defaultCommon.OCRServerURL)
	s.v.SetDefault("common.ocr_api_key", defaultCommon.OCRAPIKey)
	s.v.SetDefault("common.copy_to_server", defaultCommon.CopyToServer)
	s.v.SetDefault("common.server_path", defaultCommon.ServerPath)
	s.v.SetDefault("common.sleep_enabled", defaultCommon.SleepEnabled)
	s.v.SetDefault("common.sleep_seconds", defaultCommon.SleepSeconds)
	s.v.SetDefault("common.agc_gain", defaultCommon.AGCGain)
	s.v.SetDefault("common.aec_value", defaultCommon.AECValue)
	s.v.SetDefault("common.flash_duty", defaultCommon.FlashDuty)

	for i, slot := range SlotKeys {
		p := defaultProfile(slot, fmt.Sprintf("%d", i+1))
		s.v.SetDefault(slot+".id", p.ID)
		s.v.SetDefault(slot+".type", p.Type)
		s.v.SetDefault(slot+".x1", p.X1)
		s.v.SetDefault(slot+".y1", p.Y1)
		s.v.SetDefault(slot+".x2", p.X2)
		s.v.SetDefault(slot+".y2", p.Y2)
	}
}

func (s *Store) flush() error {
	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("settings: flush: %w", err)
	}
	return nil
}

// BootCount returns the boot counter, already incremented for the
// current boot.
func (s *Store) BootCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetUint64("boot_count")
}

// Device returns the profile stored in the given slot.
func (s *Store) Device(slot string) (DeviceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isSlot(slot) {
		return DeviceProfile{}, fmt.Errorf("settings: unknown device slot %q", slot)
	}
	return DeviceProfile{
		Key:  slot,
		ID:   s.v.GetString(slot + ".id"),
		Type: s.v.GetString(slot + ".type"),
		X1:   s.v.GetInt(slot + ".x1"),
		Y1:   s.v.GetInt(slot + ".y1"),
		X2:   s.v.GetInt(slot + ".x2"),
		Y2:   s.v.GetInt(slot + ".y2"),
	}, nil
}

// Devices returns all slots in pipeline order.
func (s *Store) Devices() ([]DeviceProfile, error) {
	profiles := make([]DeviceProfile, 0, len(SlotKeys))
	for _, slot := range SlotKeys {
		p, err := s.Device(slot)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// SetDeviceIdentity updates a slot's label and meter type.
func (s *Store) SetDeviceIdentity(slot, id, meterType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isSlot(slot) {
		return fmt.Errorf("settings: unknown device slot %q", slot)
	}
	if id == "" {
		return fmt.Errorf("settings: device id must not be empty")
	}
	if len(id) > 20 {
		return fmt.Errorf("settings: device id longer than 20 characters")
	}

	s.v.Set(slot+".id", id)
	s.v.Set(slot+".type", meterType)
	return s.flush()
}

// SetDeviceROI updates a slot's capture rectangle. Alignment against
// the sensor constraints happens at capture time, not here; the UI
// saves work-in-progress coordinates freely.
func (s *Store) SetDeviceROI(slot string, x1, y1, x2, y2 int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isSlot(slot) {
		return fmt.Errorf("settings: unknown device slot %q", slot)
	}
	if x2 <= x1 || y2 <= y1 {
		return fmt.Errorf("settings: degenerate rectangle (%d,%d)-(%d,%d)", x1, y1, x2, y2)
	}

	s.v.Set(slot+".x1", x1)
	s.v.Set(slot+".y1", y1)
	s.v.Set(slot+".x2", x2)
	s.v.Set(slot+".y2", y2)
	return s.flush()
}

// Common returns the global tunables.
func (s *Store) Common() CommonSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	return CommonSettings{
		OCREnabled:   s.v.GetBool("common.ocr_enabled"),
		OCRServerURL: s.v.GetString("common.ocr_server_url"),
		OCRAPIKey:    s.v.GetString("common.ocr_api_key"),
		CopyToServer: s.v.GetBool("common.copy_to_server"),
		ServerPath:   s.v.GetString("common.server_path"),
		SleepEnabled: s.v.GetBool("common.sleep_enabled"),
		SleepSeconds: s.v.GetUint32("common.sleep_seconds"),
		AGCGain:      s.v.GetInt("common.agc_gain"),
		AECValue:     s.v.GetInt("common.aec_value"),
		FlashDuty:    s.v.GetInt("common.flash_duty"),
	}
}

// SetCommon replaces the global tunables. An upload target is required
// whenever copy-to-server is on.
func (s *Store) SetCommon(c CommonSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CopyToServer && c.ServerPath == "" {
		return fmt.Errorf("settings: copy to server enabled without a server path")
	}

	s.v.Set("common.ocr_enabled", c.OCREnabled)
	s.v.Set("common.ocr_server_url", c.OCRServerURL)
	s.v.Set("common.ocr_api_key", c.OCRAPIKey)
	s.v.Set("common.copy_to_server", c.CopyToServer)
	s.v.Set("common.server_path", c.ServerPath)
	s.v.Set("common.sleep_enabled", c.SleepEnabled)
	s.v.Set("common.sleep_seconds", c.SleepSeconds)
	s.v.Set("common.agc_gain", c.AGCGain)
	s.v.Set("common.aec_value", c.AECValue)
	s.v.Set("common.flash_duty", c.FlashDuty)
	return s.flush()
}

// SavedTime returns the wall clock recorded before the last sleep.
func (s *Store) SavedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.v.GetInt64("saved_time")
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// SaveTime records the wall clock so it can be restored after a sleep
// cycle on hardware without a battery-backed clock.
func (s *Store) SaveTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("saved_time", t.Unix())
	return s.flush()
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func isSlot(slot string) bool {
	for _, k := range SlotKeys {
		if k == slot {
			return true
		}
	}
	return false
}
