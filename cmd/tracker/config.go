package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/sharehaven/tracker/cheat"
	"github.com/sharehaven/tracker/credential"
	httpfrontend "github.com/sharehaven/tracker/frontend/http"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/postgres"
	"github.com/sharehaven/tracker/pkg/redisconn"
	"github.com/sharehaven/tracker/refresher"
	"github.com/sharehaven/tracker/site"
	"github.com/sharehaven/tracker/storage/memory"
	"github.com/sharehaven/tracker/tracker"
)

type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

type completionsConfig struct {
	Key       string `yaml:"key"`
	QueueSize int    `yaml:"queue_size"`
}

// Config represents the configuration used for executing the tracker.
type Config struct {
	tracker.Config `yaml:",inline"`
	MetricsAddr    string              `yaml:"metrics_addr"`
	HTTPConfig     httpfrontend.Config `yaml:"http"`
	Storage        storageConfig       `yaml:"storage"`
	Postgres       postgres.Config     `yaml:"postgres"`
	Redis          redisconn.Config    `yaml:"redis"`
	Cheat          cheat.Config        `yaml:"cheat"`
	Credentials    credential.Config   `yaml:"credentials"`
	Refresher      refresher.Config    `yaml:"refresher"`
	Freeleech      site.StaticSettings `yaml:"freeleech"`
	Completions    completionsConfig   `yaml:"completions"`
}

// LogFields renders the parts of the config that are not logged by the
// components themselves.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"metricsAddr":   cfg.MetricsAddr,
		"storage":       cfg.Storage.Name,
		"postgres":      cfg.Postgres.Enabled(),
		"redis":         cfg.Redis.Enabled(),
		"freeleech":     cfg.Freeleech.FreeleechPercent,
		"freeleechEnds": cfg.Freeleech.FreeleechUntil,
	}
}

// Validate rejects configurations the tracker cannot start with. Tunables
// with a sensible default are left to the components.
func (cfg Config) Validate() error {
	if cfg.HTTPConfig.Addr == "" {
		return errors.New("http.addr is required")
	}
	if cfg.AnnounceInterval < 0 || cfg.MinAnnounceInterval < 0 {
		return errors.New("announce intervals must not be negative")
	}
	if cfg.PeerLifetime < 0 || cfg.GCInterval < 0 {
		return errors.New("peer lifetime and gc interval must not be negative")
	}
	if cfg.Refresher.Interval < 0 {
		return errors.New("refresher.interval must not be negative")
	}
	if cfg.Freeleech.FreeleechPercent > 100 {
		return errors.New("freeleech.percent must be at most 100")
	}
	return nil
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Tracker Config `yaml:"tracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, err
	}

	if cfgFile.Tracker.Storage.Name == "" {
		cfgFile.Tracker.Storage.Name = memory.Name
	}

	if err := cfgFile.Tracker.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &cfgFile, nil
}
