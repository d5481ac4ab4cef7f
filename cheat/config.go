package cheat

import (
	"time"

	"github.com/sharehaven/tracker/pkg/log"
)

// Default config constants.
const (
	defaultMinIntervalTolerance  = 5 * time.Second
	defaultMaxRate               = 100 << 20
	defaultLocationWindow        = 30 * time.Minute
	defaultWarningWindow         = 24 * time.Hour
	defaultWarningThreshold      = 3
	defaultQueueSize             = 1024
	defaultMaxEscalationAttempts = 16
)

// Config holds the thresholds of the detector and the sizing of the
// recorder.
type Config struct {
	// MinIntervalTolerance is how much earlier than the min interval a
	// periodic announce may arrive before it is spam.
	MinIntervalTolerance time.Duration `yaml:"min_interval_tolerance"`

	// MaxUploadRate and MaxDownloadRate are the highest plausible sustained
	// rates, in bytes per second.
	MaxUploadRate   uint64 `yaml:"max_upload_rate"`
	MaxDownloadRate uint64 `yaml:"max_download_rate"`

	// BannedClients are client id prefixes, as in "UT1", "TR2".
	BannedClients []string `yaml:"banned_clients"`

	LocationWindow        time.Duration `yaml:"location_window"`
	WarningWindow         time.Duration `yaml:"warning_window"`
	WarningThreshold      int           `yaml:"warning_threshold"`
	QueueSize             int           `yaml:"queue_size"`
	MaxEscalationAttempts int           `yaml:"max_escalation_attempts"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"minIntervalTolerance":  cfg.MinIntervalTolerance,
		"maxUploadRate":         cfg.MaxUploadRate,
		"maxDownloadRate":       cfg.MaxDownloadRate,
		"bannedClients":         cfg.BannedClients,
		"locationWindow":        cfg.LocationWindow,
		"warningWindow":         cfg.WarningWindow,
		"warningThreshold":      cfg.WarningThreshold,
		"queueSize":             cfg.QueueSize,
		"maxEscalationAttempts": cfg.MaxEscalationAttempts,
	}
}

func warnDefault(name string, provided, def interface{}) {
	log.Warn("falling back to default configuration", log.Fields{
		"name":     "cheat." + name,
		"provided": provided,
		"default":  def,
	})
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.MinIntervalTolerance < 0 {
		validcfg.MinIntervalTolerance = defaultMinIntervalTolerance
		warnDefault("MinIntervalTolerance", cfg.MinIntervalTolerance, validcfg.MinIntervalTolerance)
	}

	if cfg.MaxUploadRate == 0 {
		validcfg.MaxUploadRate = defaultMaxRate
		warnDefault("MaxUploadRate", cfg.MaxUploadRate, validcfg.MaxUploadRate)
	}

	if cfg.MaxDownloadRate == 0 {
		validcfg.MaxDownloadRate = defaultMaxRate
		warnDefault("MaxDownloadRate", cfg.MaxDownloadRate, validcfg.MaxDownloadRate)
	}

	if cfg.LocationWindow <= 0 {
		validcfg.LocationWindow = defaultLocationWindow
		warnDefault("LocationWindow", cfg.LocationWindow, validcfg.LocationWindow)
	}

	if cfg.WarningWindow <= 0 {
		validcfg.WarningWindow = defaultWarningWindow
		warnDefault("WarningWindow", cfg.WarningWindow, validcfg.WarningWindow)
	}

	if cfg.WarningThreshold <= 0 {
		validcfg.WarningThreshold = defaultWarningThreshold
		warnDefault("WarningThreshold", cfg.WarningThreshold, validcfg.WarningThreshold)
	}

	if cfg.QueueSize <= 0 {
		validcfg.QueueSize = defaultQueueSize
		warnDefault("QueueSize", cfg.QueueSize, validcfg.QueueSize)
	}

	if cfg.MaxEscalationAttempts <= 0 {
		validcfg.MaxEscalationAttempts = defaultMaxEscalationAttempts
		warnDefault("MaxEscalationAttempts", cfg.MaxEscalationAttempts, validcfg.MaxEscalationAttempts)
	}

	return validcfg
}
