package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the nexrigd configuration
type Config struct {
	RF struct {
		DefaultBand      string `yaml:"default_band"`
		DefaultFrequency uint32 `yaml:"default_frequency"`
		DefaultAntenna   int    `yaml:"default_antenna"`

		// Control loop timing (microseconds)
		ControlPeriodUs int `yaml:"control_period_us"`
		SettleDelayUs   int `yaml:"settle_delay_us"`
		PLLLockBudgetUs int `yaml:"pll_lock_budget_us"`

		// Bounded wait for requests marshalled into the RF control task (milliseconds)
		CommandTimeoutMs int `yaml:"command_timeout_ms"`
		RequestQueueSize int `yaml:"request_queue_size"`
	} `yaml:"rf"`

	Amplifier struct {
		DefaultTargetW float64 `yaml:"default_target_w"`
		MaxTargetW     float64 `yaml:"max_target_w"`
		SlewWPerTick   float64 `yaml:"slew_w_per_tick"`
	} `yaml:"amplifier"`

	Protection struct {
		MaxPowerW            float64 `yaml:"max_power_w"`
		MaxTempC             float64 `yaml:"max_temp_c"`
		MaxSWR               float64 `yaml:"max_swr"`
		MaxReflectedFraction float64 `yaml:"max_reflected_fraction"`
		WarningMargin        float64 `yaml:"warning_margin"`
		ThrottleFactor       float64 `yaml:"throttle_factor"`
		ThrottleHoldoffMs    int     `yaml:"throttle_holdoff_ms"`
		FaultHistory         int     `yaml:"fault_history"`
	} `yaml:"protection"`

	Samples struct {
		SampleRate int `yaml:"sample_rate"`
		BlockSize  int `yaml:"block_size"`
		QueueDepth int `yaml:"queue_depth"`
		FFTSize    int `yaml:"fft_size"`
		ToneHz     int `yaml:"tone_hz"`
	} `yaml:"samples"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxFaults    int    `yaml:"max_faults"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Hardware struct {
		Backend      string `yaml:"backend"` // "mock" or "sysfs"
		EnableGPIO   bool   `yaml:"enable_gpio"`
		GPIOBasePath string `yaml:"gpio_base_path"`
		PAEnablePin  int    `yaml:"pa_enable_pin"`
		TXEnablePin  int    `yaml:"tx_enable_pin"`
		RXEnablePin  int    `yaml:"rx_enable_pin"`
		StatusLEDPin int    `yaml:"status_led_pin"`
	} `yaml:"hardware"`

	Diagnostics struct {
		IntervalMs     int     `yaml:"interval_ms"`
		StatusLogEvery int     `yaml:"status_log_every"`
		TempWarnC      float64 `yaml:"temp_warn_c"`

		MQTT struct {
			Enabled   bool   `yaml:"enabled"`
			Broker    string `yaml:"broker"`
			Topic     string `yaml:"topic"`
			ClientID  string `yaml:"client_id"`
			Username  string `yaml:"username"`
			Password  string `yaml:"password"`
			IntervalS int    `yaml:"interval_s"`
		} `yaml:"mqtt"`
	} `yaml:"diagnostics"`

	Watchdog struct {
		IntervalMs int `yaml:"interval_ms"`
		// Negative disables the hold limit
		MaxEmergencyHoldS int `yaml:"max_emergency_hold_s"`
	} `yaml:"watchdog"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Save writes the configuration back to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RF.DefaultBand == "" {
		c.RF.DefaultBand = "20m"
	}
	if c.RF.DefaultFrequency == 0 {
		c.RF.DefaultFrequency = 14200000
	}
	if c.RF.DefaultAntenna == 0 {
		c.RF.DefaultAntenna = 1
	}
	if c.RF.ControlPeriodUs == 0 {
		c.RF.ControlPeriodUs = 1000 // 1 kHz
	}
	if c.RF.SettleDelayUs == 0 {
		c.RF.SettleDelayUs = 50
	}
	if c.RF.PLLLockBudgetUs == 0 {
		c.RF.PLLLockBudgetUs = 200
	}
	if c.RF.CommandTimeoutMs == 0 {
		c.RF.CommandTimeoutMs = 100
	}
	if c.RF.RequestQueueSize == 0 {
		c.RF.RequestQueueSize = 8
	}
	if c.Amplifier.DefaultTargetW == 0 {
		c.Amplifier.DefaultTargetW = 10
	}
	if c.Amplifier.MaxTargetW == 0 {
		c.Amplifier.MaxTargetW = 100
	}
	if c.Amplifier.SlewWPerTick == 0 {
		c.Amplifier.SlewWPerTick = 0.5
	}
	if c.Protection.MaxPowerW == 0 {
		c.Protection.MaxPowerW = 100
	}
	if c.Protection.MaxTempC == 0 {
		c.Protection.MaxTempC = 85
	}
	if c.Protection.MaxSWR == 0 {
		c.Protection.MaxSWR = 3.0
	}
	if c.Protection.MaxReflectedFraction == 0 {
		c.Protection.MaxReflectedFraction = 0.25
	}
	if c.Protection.WarningMargin == 0 {
		c.Protection.WarningMargin = 0.9
	}
	if c.Protection.ThrottleFactor == 0 {
		c.Protection.ThrottleFactor = 0.8
	}
	if c.Protection.ThrottleHoldoffMs == 0 {
		c.Protection.ThrottleHoldoffMs = 100
	}
	if c.Protection.FaultHistory == 0 {
		c.Protection.FaultHistory = 64
	}
	if c.Samples.SampleRate == 0 {
		c.Samples.SampleRate = 96000
	}
	if c.Samples.BlockSize == 0 {
		c.Samples.BlockSize = 1024
	}
	if c.Samples.QueueDepth == 0 {
		c.Samples.QueueDepth = 32
	}
	if c.Samples.FFTSize == 0 {
		c.Samples.FFTSize = 1024
	}
	if c.Samples.ToneHz == 0 {
		c.Samples.ToneHz = 1500
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "192.168.7.1"
	}
	if c.API.UnixSocket == "" {
		c.API.UnixSocket = "/tmp/nexrigd.sock"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./nexrigd.db"
	}
	if c.Storage.MaxFaults == 0 {
		c.Storage.MaxFaults = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30
	}
	if c.Hardware.Backend == "" {
		c.Hardware.Backend = "mock"
	}
	if c.Hardware.GPIOBasePath == "" {
		c.Hardware.GPIOBasePath = "/sys/class/gpio"
	}
	if c.Hardware.PAEnablePin == 0 {
		c.Hardware.PAEnablePin = 17
	}
	if c.Hardware.TXEnablePin == 0 {
		c.Hardware.TXEnablePin = 27
	}
	if c.Hardware.RXEnablePin == 0 {
		c.Hardware.RXEnablePin = 22
	}
	if c.Hardware.StatusLEDPin == 0 {
		c.Hardware.StatusLEDPin = 24
	}
	if c.Diagnostics.IntervalMs == 0 {
		c.Diagnostics.IntervalMs = 100 // 10 Hz
	}
	if c.Diagnostics.StatusLogEvery == 0 {
		c.Diagnostics.StatusLogEvery = 100 // every 10 seconds at 10 Hz
	}
	if c.Diagnostics.TempWarnC == 0 {
		c.Diagnostics.TempWarnC = 85
	}
	if c.Diagnostics.MQTT.Topic == "" {
		c.Diagnostics.MQTT.Topic = "nexrig"
	}
	if c.Diagnostics.MQTT.IntervalS == 0 {
		c.Diagnostics.MQTT.IntervalS = 10
	}
	if c.Watchdog.IntervalMs == 0 {
		c.Watchdog.IntervalMs = 1000
	}
	if c.Watchdog.MaxEmergencyHoldS == 0 {
		c.Watchdog.MaxEmergencyHoldS = 300
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RF.DefaultAntenna < 1 || c.RF.DefaultAntenna > 4 {
		return fmt.Errorf("rf.default_antenna must be between 1 and 4")
	}
	if c.RF.ControlPeriodUs < 100 {
		return fmt.Errorf("rf.control_period_us must be at least 100")
	}
	if c.RF.SettleDelayUs < 0 || c.RF.PLLLockBudgetUs <= 0 {
		return fmt.Errorf("rf settle/lock budgets must be positive")
	}
	if c.Amplifier.DefaultTargetW < 1 || c.Amplifier.DefaultTargetW > c.Amplifier.MaxTargetW {
		return fmt.Errorf("amplifier.default_target_w must be between 1 and %.0f", c.Amplifier.MaxTargetW)
	}
	if c.Protection.MaxPowerW <= 0 || c.Protection.MaxTempC <= 0 {
		return fmt.Errorf("protection limits must be positive")
	}
	if c.Protection.MaxSWR <= 1 {
		return fmt.Errorf("protection.max_swr must be greater than 1")
	}
	if c.Protection.MaxReflectedFraction <= 0 || c.Protection.MaxReflectedFraction >= 1 {
		return fmt.Errorf("protection.max_reflected_fraction must be between 0 and 1")
	}
	if c.Protection.WarningMargin <= 0 || c.Protection.WarningMargin >= 1 {
		return fmt.Errorf("protection.warning_margin must be between 0 and 1")
	}
	if c.Protection.ThrottleFactor <= 0 || c.Protection.ThrottleFactor >= 1 {
		return fmt.Errorf("protection.throttle_factor must be between 0 and 1")
	}
	if c.Samples.BlockSize <= 0 || c.Samples.BlockSize%2 != 0 {
		return fmt.Errorf("samples.block_size must be a positive even number (interleaved I/Q)")
	}
	if c.Samples.FFTSize&(c.Samples.FFTSize-1) != 0 {
		return fmt.Errorf("samples.fft_size must be a power of two")
	}
	switch c.Hardware.Backend {
	case "mock", "sysfs":
	default:
		return fmt.Errorf("hardware.backend must be \"mock\" or \"sysfs\"")
	}
	if c.Diagnostics.MQTT.Enabled && c.Diagnostics.MQTT.Broker == "" {
		return fmt.Errorf("diagnostics.mqtt.broker is required when MQTT is enabled")
	}
	return nil
}

// ControlPeriod returns the RF control loop period
func (c *Config) ControlPeriod() time.Duration {
	return time.Duration(c.RF.ControlPeriodUs) * time.Microsecond
}

// SettleDelay returns the settle delay between hardware sequencing steps
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.RF.SettleDelayUs) * time.Microsecond
}

// PLLLockBudget returns how long a sequencing step may wait for PLL lock
func (c *Config) PLLLockBudget() time.Duration {
	return time.Duration(c.RF.PLLLockBudgetUs) * time.Microsecond
}

// CommandTimeout returns the bounded wait for commands handed to the RF task
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.RF.CommandTimeoutMs) * time.Millisecond
}
