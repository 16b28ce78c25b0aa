package main

import (
	"path/filepath"
	"time"
)

const (
	databaseSuffix = ".mmdb"
	metadataSuffix = ".metadata.json"
	lockSuffix     = ".lock"
)

// Region is the lookup result exposed to clients.
type Region struct {
	CountryCode     string  `json:"country_code,omitempty"`
	Country         string  `json:"country,omitempty"`
	SubdivisionCode string  `json:"subdivision_code,omitempty"`
	Subdivision     string  `json:"subdivision,omitempty"`
	City            string  `json:"city,omitempty"`
	PostalCode      string  `json:"postal_code,omitempty"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	TimeZone        string  `json:"time_zone,omitempty"`
}

// RegionSource resolves addresses against the local database. Implementations
// return nil for misses, malformed addresses and a missing database.
type RegionSource interface {
	Lookup(ip string) *Region
	Enabled() bool
	LastUpdated() time.Time
}

// MetadataRepository keeps the bookkeeping record of one edition. Load
// returns nil, nil when nothing has been stored yet.
type MetadataRepository interface {
	Load() (*Metadata, error)
	Save(meta *Metadata) error
}

// Logger is the subset of logrus.FieldLogger used by the update pipeline.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

func databasePath(dataDir, editionID string) string {
	return filepath.Join(dataDir, editionID+databaseSuffix)
}

func metadataPath(dataDir, editionID string) string {
	return filepath.Join(dataDir, editionID+metadataSuffix)
}

func lockPath(dataDir, editionID string) string {
	return filepath.Join(dataDir, editionID+lockSuffix)
}
