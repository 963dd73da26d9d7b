// Package config loads the control plane's layered configuration:
// built-in defaults, then a YAML file at $CONFIG_PATH, then environment
// variable overrides for the handful of secrets that must never live on
// disk in plaintext.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PeakWindow is a local-time interval, in minutes-of-day, during which
// charging is penalised by the special-charging planner (§4.8.1).
type PeakWindow struct {
	StartMinutes int `yaml:"startMinutes"`
	EndMinutes   int `yaml:"endMinutes"`
}

// OffPeakConfig configures the off-peak reconciler (C7).
type OffPeakConfig struct {
	PlannerURL        string        `yaml:"plannerURL"`
	PlannerAPIKey     string        `yaml:"-"`
	PlannerTimeout    time.Duration `yaml:"plannerTimeout"`
	FallbackStartMin  int           `yaml:"fallbackStartMinutes"`
	FallbackEndMin    int           `yaml:"fallbackEndMinutes"`
	FallbackEnergyKWh float64       `yaml:"fallbackEnergyKWh"`
	InterAddDelay     time.Duration `yaml:"interAddDelay"`
	ChargeNowEnabled  bool          `yaml:"chargeNowEnabled"`
}

// SpecialChargingConfig configures the special-charging planner (C8).
type SpecialChargingConfig struct {
	ChargeRateKW       float64      `yaml:"chargeRateKW"`
	PackCapacityKWh    float64      `yaml:"packCapacityKWh"`
	SafetyBufferHours  float64      `yaml:"safetyBufferHours"`
	MinAdvanceHours    float64      `yaml:"minAdvanceHours"`
	MaxAdvanceHours    float64      `yaml:"maxAdvanceHours"`
	PeakWindows        []PeakWindow `yaml:"peakWindows"`
	CleanupLeadMinutes int          `yaml:"cleanupLeadMinutes"`
	WakeLeadMinutes    int          `yaml:"wakeLeadMinutes"`
	SheetsURL          string       `yaml:"sheetsURL"`
	SheetsAPIKey       string       `yaml:"-"`
}

// ProxyConfig configures the signed-command proxy supervisor (C3).
type ProxyConfig struct {
	SmartProxyMode   bool          `yaml:"smartProxyMode"`
	ProxyAvailable   bool          `yaml:"proxyAvailable"`
	ProxyHost        string        `yaml:"proxyHost"`
	ProxyPort        int           `yaml:"proxyPort"`
	PrivateKeyPath   string        `yaml:"privateKeyPath"`
	PrivateKeyReady  bool          `yaml:"privateKeyReady"`
	TLSDir           string        `yaml:"tlsDir"`
	StartupTimeout   time.Duration `yaml:"startupTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	BinaryPath       string        `yaml:"binaryPath"`
}

// Config is the root configuration object. Every key described in
// §6 Configuration is represented here.
type Config struct {
	VIN            string                `yaml:"vin"`
	HomeLatitude   float64               `yaml:"homeLatitude"`
	HomeLongitude  float64               `yaml:"homeLongitude"`
	HomeRadiusDeg  float64               `yaml:"homeRadiusDeg"`
	Timezone       string                `yaml:"timezone"`
	WorkerURL      string                `yaml:"workerServiceURL"`
	ContinuousMode bool                  `yaml:"continuousMode"`
	LogLevel       string                `yaml:"logLevel"`
	LogTextFormat  bool                  `yaml:"logTextFormat"`
	HTTPPort       int                   `yaml:"httpPort"`

	VehicleAPIURL   string `yaml:"vehicleAPIURL"`
	VehicleAPIToken string `yaml:"-"`

	SecretStoreURL string `yaml:"secretStoreURL"`
	SecretStoreKey string `yaml:"-"`

	JobInvokerURL   string `yaml:"jobInvokerURL"`
	JobInvokerToken string `yaml:"-"`

	OffPeak OffPeakConfig         `yaml:"offPeak"`
	Special SpecialChargingConfig `yaml:"special"`
	Proxy   ProxyConfig           `yaml:"proxy"`
}

// Defaults returns the built-in configuration baseline, matching the
// fallback-plan and peak-window constants confirmed against
// original_source/cloud_tesla_worker.py (PEAK_HOURS, 13:00-15:00 fallback)
// and tesla_scout_function.py's HOME_RADIUS default of 0.03 degrees.
func Defaults() *Config {
	return &Config{
		HomeRadiusDeg:  0.03,
		Timezone:       "Local",
		ContinuousMode: false,
		LogLevel:       "info",
		HTTPPort:       8080,
		OffPeak: OffPeakConfig{
			PlannerTimeout:    30 * time.Second,
			FallbackStartMin:  13 * 60,
			FallbackEndMin:    15 * 60,
			FallbackEnergyKWh: 22.0,
			InterAddDelay:     3 * time.Second,
			ChargeNowEnabled:  false,
		},
		Special: SpecialChargingConfig{
			ChargeRateKW:      11.0,
			PackCapacityKWh:   75.0,
			SafetyBufferHours: 1.5,
			MinAdvanceHours:   6,
			MaxAdvanceHours:   24,
			PeakWindows: []PeakWindow{
				{StartMinutes: 6 * 60, EndMinutes: 10 * 60},
				{StartMinutes: 19 * 60, EndMinutes: 22 * 60},
			},
			CleanupLeadMinutes: 30,
			WakeLeadMinutes:    0,
		},
		Proxy: ProxyConfig{
			ProxyHost:       "127.0.0.1",
			ProxyPort:       4443,
			TLSDir:          "/tmp/offpeak-proxy-tls",
			StartupTimeout:  10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads defaults, overlays a YAML file named by $CONFIG_PATH (or
// ./config.yaml if unset and present), then overlays the environment
// variables that carry secrets.
func Load() (*Config, error) {
	cfg := Defaults()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.VehicleAPIToken = envOr("VEHICLE_API_TOKEN", cfg.VehicleAPIToken)
	cfg.SecretStoreKey = envOr("SECRET_STORE_KEY", cfg.SecretStoreKey)
	cfg.JobInvokerToken = envOr("JOB_INVOKER_TOKEN", cfg.JobInvokerToken)
	cfg.OffPeak.PlannerAPIKey = envOr("PLANNER_API_KEY", cfg.OffPeak.PlannerAPIKey)
	cfg.Special.SheetsAPIKey = envOr("SHEETS_API_KEY", cfg.Special.SheetsAPIKey)

	if v := os.Getenv("CONTINUOUS_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ContinuousMode = b
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Location returns the time.Location for local-time arithmetic,
// defaulting to time.Local when unset or unparseable.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
