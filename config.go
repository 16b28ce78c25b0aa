package main

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	DefaultProviderURL    = "https://download.maxmind.com"
	DefaultEditionID      = "GeoLite2-City"
	DefaultDataDir        = "./data"
	DefaultListen         = "localhost:12950"
	DefaultUpdateSchedule = "@every 3h"

	defaultRecheckInterval = 3 * time.Hour
	defaultDownloadTimeout = 10 * time.Minute
	defaultLookupCacheSize = 50000

	envAccountID  = "MAXMIND_ACCOUNT_ID"
	envLicenseKey = "MAXMIND_LICENSE_KEY"
)

type Config struct {
	Listen          string        `yaml:"listen"`
	LogLevel        int           `yaml:"log_level"`
	DataDir         string        `yaml:"data_dir"`
	EditionID       string        `yaml:"edition_id"`
	ProviderURL     string        `yaml:"provider_url"`
	AccountID       string        `yaml:"account_id"`
	LicenseKey      string        `yaml:"license_key"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	UpdateSchedule  string        `yaml:"update_schedule"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	LookupCacheSize int           `yaml:"lookup_cache_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		LogLevel:        int(logrus.InfoLevel),
		DataDir:         DefaultDataDir,
		EditionID:       DefaultEditionID,
		ProviderURL:     DefaultProviderURL,
		RecheckInterval: defaultRecheckInterval,
		UpdateSchedule:  DefaultUpdateSchedule,
		DownloadTimeout: defaultDownloadTimeout,
		LookupCacheSize: defaultLookupCacheSize,
	}
}

// ParseConfig reads the YAML config at path on top of the defaults. A missing
// file leaves the defaults in place. Credentials from the environment (or a
// .env file in the working directory) override the file.
func ParseConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	content, err := ioutil.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "unable to read config %s", path)
	}
	if err == nil {
		if err := yaml.Unmarshal(content, conf); err != nil {
			return nil, errors.Wrapf(err, "unable to parse config %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "unable to load .env")
	}
	conf.applyEnv()
	conf.fillDefaults()

	return conf, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envAccountID); v != "" {
		c.AccountID = v
	}
	if v := os.Getenv(envLicenseKey); v != "" {
		c.LicenseKey = v
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.EditionID == "" {
		c.EditionID = d.EditionID
	}
	if c.ProviderURL == "" {
		c.ProviderURL = d.ProviderURL
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	if c.UpdateSchedule == "" {
		c.UpdateSchedule = d.UpdateSchedule
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = d.DownloadTimeout
	}
	if c.LookupCacheSize <= 0 {
		c.LookupCacheSize = d.LookupCacheSize
	}
}

func (c *Config) HasCredentials() bool {
	return c.AccountID != "" && c.LicenseKey != ""
}

func (c *Config) DatabasePath() string {
	return databasePath(c.DataDir, c.EditionID)
}

func (c *Config) UpdateOptions(force bool) *UpdateOptions {
	return &UpdateOptions{
		AccountID:       c.AccountID,
		LicenseKey:      c.LicenseKey,
		EditionID:       c.EditionID,
		DataDir:         c.DataDir,
		ProviderURL:     c.ProviderURL,
		RecheckInterval: c.RecheckInterval,
		DownloadTimeout: c.DownloadTimeout,
		Force:           force,
		Logger:          logrus.WithField("edition", c.EditionID),
	}
}
