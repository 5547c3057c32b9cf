package system

import (
	"fmt"
	"time"

	"github.com/dougsko/nexrigd/pkg/config"
	"github.com/dougsko/nexrigd/pkg/diagnostics"
	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/samples"
	"github.com/dougsko/nexrigd/pkg/storage"
)

// Options are the optional parts wired in by the daemon
type Options struct {
	Store   *storage.Store
	Metrics *diagnostics.Metrics
	Host    *diagnostics.HostSampler
	// Source defaults to a paced tone source, Sink to a counting sink
	Source samples.Source
	Sink   samples.Sink
}

// NewBackend returns the hardware backend selected by the configuration.
// The RF capabilities are served by the simulated front end; the sysfs
// backend drives real enable lines.
func NewBackend(cfg *config.Config) *hardware.Backend {
	var gpio hardware.GPIOInterface
	if cfg.Hardware.Backend == "sysfs" {
		gpio = hardware.NewLinuxGPIO(cfg.Hardware.GPIOBasePath)
	}
	backend, _ := hardware.NewSimulatedBackend(gpio)
	return backend
}

// ConfigFrom derives scheduler settings from the daemon configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ControlPeriod:     cfg.ControlPeriod(),
		DiagnosticsPeriod: time.Duration(cfg.Diagnostics.IntervalMs) * time.Millisecond,
		WatchdogPeriod:    time.Duration(cfg.Watchdog.IntervalMs) * time.Millisecond,
		MaxEmergencyHold:  time.Duration(cfg.Watchdog.MaxEmergencyHoldS) * time.Second,
		CommandTimeout:    cfg.CommandTimeout(),
		RequestQueueSize:  cfg.RF.RequestQueueSize,
		BlockPairs:        cfg.Samples.BlockSize / 2,
		QueueDepth:        cfg.Samples.QueueDepth,
		FFTSize:           cfg.Samples.FFTSize,
		TempWarnC:         cfg.Diagnostics.TempWarnC,
		StatusLogEvery:    cfg.Diagnostics.StatusLogEvery,
		LockOSThread:      true,
	}
}

// LimitsFrom returns the configured protection limits
func LimitsFrom(cfg *config.Config) protection.Limits {
	return protection.Limits{
		MaxPowerW:            cfg.Protection.MaxPowerW,
		MaxTempC:             cfg.Protection.MaxTempC,
		MaxSWR:               cfg.Protection.MaxSWR,
		MaxReflectedFraction: cfg.Protection.MaxReflectedFraction,
		WarningMargin:        cfg.Protection.WarningMargin,
		ThrottleFactor:       cfg.Protection.ThrottleFactor,
		ThrottleHoldoffMs:    cfg.Protection.ThrottleHoldoffMs,
	}
}

// Build constructs the RF core from configuration. The shared status and
// emergency flag are created here and handed to every component.
func Build(cfg *config.Config, backend *hardware.Backend, opts Options) (*System, error) {
	band, err := rf.ParseBand(cfg.RF.DefaultBand)
	if err != nil {
		return nil, fmt.Errorf("invalid rf.default_band: %w", err)
	}
	antenna, err := rf.ParseAntenna(cfg.RF.DefaultAntenna)
	if err != nil {
		return nil, fmt.Errorf("invalid rf.default_antenna: %w", err)
	}
	limits := LimitsFrom(cfg)
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protection limits: %w", err)
	}

	hw := hardware.NewHardwareManager(hardware.HardwareConfig{
		Backend:      cfg.Hardware.Backend,
		EnableGPIO:   cfg.Hardware.EnableGPIO,
		GPIOBasePath: cfg.Hardware.GPIOBasePath,
		PAEnablePin:  cfg.Hardware.PAEnablePin,
		TXEnablePin:  cfg.Hardware.TXEnablePin,
		RXEnablePin:  cfg.Hardware.RXEnablePin,
		StatusLEDPin: cfg.Hardware.StatusLEDPin,
	}, backend.GPIO)

	status := rf.NewHardwareStatus(band, cfg.RF.DefaultFrequency, antenna)
	flag := rf.NewEmergencyFlag()

	ctrl := rf.NewRfController(rf.ControllerConfig{
		DefaultBand:      band,
		DefaultFrequency: cfg.RF.DefaultFrequency,
		DefaultAntenna:   antenna,
		SettleDelay:      cfg.SettleDelay(),
		PLLLockBudget:    cfg.PLLLockBudget(),
	}, status, flag, backend, hw)

	pa := rf.NewPowerAmplifier(rf.AmplifierConfig{
		DefaultTargetW: cfg.Amplifier.DefaultTargetW,
		MaxTargetW:     cfg.Amplifier.MaxTargetW,
		SlewWPerTick:   cfg.Amplifier.SlewWPerTick,
	}, ctrl, backend.Drive, hw)

	prot := protection.NewProtectionSystem(limits, status, flag, ctrl, pa, cfg.Protection.FaultHistory)

	source := opts.Source
	if source == nil {
		source = samples.NewToneSource(samples.ToneConfig{
			SampleRate: cfg.Samples.SampleRate,
			ToneHz:     float64(cfg.Samples.ToneHz),
			Amplitude:  0.25,
			NoiseLevel: 0.01,
			Paced:      true,
		})
	}
	sink := opts.Sink
	if sink == nil {
		sink = &samples.CountingSink{}
	}

	return New(ConfigFrom(cfg), Components{
		Hardware:   hw,
		Controller: ctrl,
		Amplifier:  pa,
		Protection: prot,
		Source:     source,
		Sink:       sink,
		Store:      opts.Store,
		Metrics:    opts.Metrics,
		Host:       opts.Host,
	}), nil
}
