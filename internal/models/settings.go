package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v2"
)

// Settings contains all application settings
type Settings struct {
	mu sync.RWMutex `json:"-" yaml:"-"`

	// Connection settings
	NightscoutURL string `json:"nightscoutUrl" yaml:"nightscoutUrl" env:"URL, overwrite"`
	APISecret     string `json:"apiSecret" yaml:"apiSecret" env:"API_SECRET, overwrite"` // Plain API secret (will be hashed)
	APIToken      string `json:"apiToken" yaml:"apiToken" env:"API_TOKEN, overwrite"`    // Token-based auth
	UseToken      bool   `json:"useToken" yaml:"useToken" env:"USE_TOKEN, overwrite"`    // Use token instead of secret

	// Therapy limits, glucose in mg/dL
	InsulinType        string  `json:"insulinType" yaml:"insulinType" env:"INSULIN_TYPE, overwrite"`
	RecommendationType string  `json:"recommendationType" yaml:"recommendationType" env:"RECOMMENDATION_TYPE, overwrite"`
	MaxBolus           float64 `json:"maxBolus" yaml:"maxBolus" env:"MAX_BOLUS, overwrite"`
	MaxBasalRate       float64 `json:"maxBasalRate" yaml:"maxBasalRate" env:"MAX_BASAL_RATE, overwrite"`
	SuspendThreshold   float64 `json:"suspendThreshold" yaml:"suspendThreshold" env:"SUSPEND_THRESHOLD, overwrite"`

	// Algorithm
	UseIntegralRetrospectiveCorrection bool     `json:"useIntegralRetrospectiveCorrection" yaml:"useIntegralRetrospectiveCorrection" env:"INTEGRAL_RC, overwrite"`
	Effects                            []string `json:"effects" yaml:"effects" env:"EFFECTS, overwrite"` // carbs, insulin, momentum, retrospection
	BasalRateIncrement                 float64  `json:"basalRateIncrement" yaml:"basalRateIncrement" env:"BASAL_INCREMENT, overwrite"`
	BolusIncrement                     float64  `json:"bolusIncrement" yaml:"bolusIncrement" env:"BOLUS_INCREMENT, overwrite"`

	// Service
	RefreshInterval int    `json:"refreshInterval" yaml:"refreshInterval" env:"REFRESH_INTERVAL, overwrite"` // Seconds (30-600)
	ListenAddr      string `json:"listenAddr" yaml:"listenAddr" env:"LISTEN_ADDR, overwrite"`
	StorePath       string `json:"storePath" yaml:"storePath" env:"STORE_PATH, overwrite"`
	AuditPath       string `json:"auditPath" yaml:"auditPath" env:"AUDIT_PATH, overwrite"`
	LogFile         string `json:"logFile" yaml:"logFile" env:"LOG_FILE, overwrite"`
	Debug           bool   `json:"debug" yaml:"debug" env:"DEBUG, overwrite"`
	TracingEnabled  bool   `json:"tracingEnabled" yaml:"tracingEnabled" env:"TRACING, overwrite"`

	// Alerts
	EnableDesktopAlerts bool `json:"enableDesktopAlerts" yaml:"enableDesktopAlerts" env:"DESKTOP_ALERTS, overwrite"`
	RepeatAlertMinutes  int  `json:"repeatAlertMinutes" yaml:"repeatAlertMinutes" env:"REPEAT_ALERT_MINUTES, overwrite"` // 0 alerts once per episode
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "NSLOOP_"

// Recognised values of Settings.Effects
const (
	EffectCarbs         = "carbs"
	EffectInsulin       = "insulin"
	EffectMomentum      = "momentum"
	EffectRetrospection = "retrospection"
)

// Recognised values of Settings.RecommendationType
const (
	RecommendationManualBolus    = "manualBolus"
	RecommendationAutomaticBolus = "automaticBolus"
	RecommendationTempBasal      = "tempBasal"
)

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		InsulinType:        string(InsulinTypeNovolog),
		RecommendationType: RecommendationTempBasal,
		MaxBolus:           10,
		MaxBasalRate:       3,
		SuspendThreshold:   80,

		Effects:            []string{EffectCarbs, EffectInsulin, EffectMomentum, EffectRetrospection},
		BasalRateIncrement: 0.05,
		BolusIncrement:     0.05,

		RefreshInterval: 300, // one CGM reading
		ListenAddr:      ":8080",

		RepeatAlertMinutes: 15,
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	appDir := filepath.Join(configDir, "nightscout-loop")
	if err := os.MkdirAll(appDir, 0750); err != nil {
		return "", err
	}

	return appDir, nil
}

// GetConfigPath returns the full path to the config file
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// Load loads settings from the default config path
func (s *Settings) Load() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return s.LoadFile(path)
}

// LoadFile loads settings from a JSON or YAML file.
// A missing file leaves the defaults in place.
func (s *Settings) LoadFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path) //nolint:gosec // Config path is supplied by the operator
	if err != nil {
		if os.IsNotExist(err) {
			s.copySettingsFields(DefaultSettings())
			return nil
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	default:
		err = json.Unmarshal(data, s)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from NSLOOP_* environment variables
func (s *Settings) ApplyEnv(ctx context.Context) error {
	return s.applyEnv(ctx, envconfig.OsLookuper())
}

func (s *Settings) applyEnv(ctx context.Context, lookuper envconfig.Lookuper) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   s,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	})
}

// Save saves settings to the default config path
func (s *Settings) Save() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return s.SaveFile(path)
}

// SaveFile writes settings to path, as YAML when the extension asks for it
func (s *Settings) SaveFile(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	default:
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Clone creates a copy of the settings
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Settings{}
	clone.copySettingsFields(s)
	return clone
}

// copySettingsFields copies all fields from other to s, excluding the mutex
// The caller must hold the necessary locks on s and other (if other is shared)
func (s *Settings) copySettingsFields(other *Settings) {
	s.NightscoutURL = other.NightscoutURL
	s.APISecret = other.APISecret
	s.APIToken = other.APIToken
	s.UseToken = other.UseToken
	s.InsulinType = other.InsulinType
	s.RecommendationType = other.RecommendationType
	s.MaxBolus = other.MaxBolus
	s.MaxBasalRate = other.MaxBasalRate
	s.SuspendThreshold = other.SuspendThreshold
	s.UseIntegralRetrospectiveCorrection = other.UseIntegralRetrospectiveCorrection
	s.Effects = append([]string(nil), other.Effects...)
	s.BasalRateIncrement = other.BasalRateIncrement
	s.BolusIncrement = other.BolusIncrement
	s.RefreshInterval = other.RefreshInterval
	s.ListenAddr = other.ListenAddr
	s.StorePath = other.StorePath
	s.AuditPath = other.AuditPath
	s.LogFile = other.LogFile
	s.Debug = other.Debug
	s.TracingEnabled = other.TracingEnabled
	s.EnableDesktopAlerts = other.EnableDesktopAlerts
	s.RepeatAlertMinutes = other.RepeatAlertMinutes
}

// IsConfigured returns true if minimum required settings are set
func (s *Settings) IsConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.NightscoutURL != ""
}

// Validate checks therapy limits and enumerations
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if s.MaxBolus < 0 {
		errs = append(errs, fmt.Errorf("maxBolus must not be negative, got %v", s.MaxBolus))
	}
	if s.MaxBasalRate < 0 {
		errs = append(errs, fmt.Errorf("maxBasalRate must not be negative, got %v", s.MaxBasalRate))
	}
	if s.SuspendThreshold <= 0 {
		errs = append(errs, fmt.Errorf("suspendThreshold must be positive, got %v", s.SuspendThreshold))
	}
	if s.BasalRateIncrement <= 0 || s.BolusIncrement <= 0 {
		errs = append(errs, errors.New("rounding increments must be positive"))
	}
	switch s.RecommendationType {
	case RecommendationManualBolus, RecommendationAutomaticBolus, RecommendationTempBasal:
	default:
		errs = append(errs, fmt.Errorf("unknown recommendationType %q", s.RecommendationType))
	}
	for _, e := range s.Effects {
		switch e {
		case EffectCarbs, EffectInsulin, EffectMomentum, EffectRetrospection:
		default:
			errs = append(errs, fmt.Errorf("unknown effect %q", e))
		}
	}
	if s.RefreshInterval < 30 || s.RefreshInterval > 600 {
		errs = append(errs, fmt.Errorf("refreshInterval must be within 30-600 seconds, got %d", s.RefreshInterval))
	}
	if s.RepeatAlertMinutes < 0 {
		errs = append(errs, fmt.Errorf("repeatAlertMinutes must not be negative, got %d", s.RepeatAlertMinutes))
	}
	return errors.Join(errs...)
}
