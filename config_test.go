package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv(envAccountID, "")
	t.Setenv(envLicenseKey, "")

	conf, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, conf.Listen)
	assert.Equal(t, DefaultEditionID, conf.EditionID)
	assert.Equal(t, 3*time.Hour, conf.RecheckInterval)
	assert.Equal(t, DefaultUpdateSchedule, conf.UpdateSchedule)
	assert.False(t, conf.HasCredentials())
}

func TestParseConfigFile(t *testing.T) {
	t.Setenv(envAccountID, "")
	t.Setenv(envLicenseKey, "env-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
listen: ":8080"
log_level: 5
data_dir: /var/lib/geoip
edition_id: GeoLite2-Country
account_id: "42"
license_key: file-key
recheck_interval: 90m
update_schedule: "0 */6 * * *"
`), 0644))

	conf, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", conf.Listen)
	assert.Equal(t, 5, conf.LogLevel)
	assert.Equal(t, "/var/lib/geoip/GeoLite2-Country.mmdb", conf.DatabasePath())
	assert.Equal(t, 90*time.Minute, conf.RecheckInterval)
	assert.Equal(t, "0 */6 * * *", conf.UpdateSchedule)
	assert.Equal(t, "42", conf.AccountID)
	assert.Equal(t, "env-key", conf.LicenseKey)
	assert.True(t, conf.HasCredentials())

	opts := conf.UpdateOptions(true)
	assert.True(t, opts.Force)
	assert.Equal(t, "GeoLite2-Country", opts.EditionID)
	assert.Equal(t, "/var/lib/geoip", opts.DataDir)
	assert.Equal(t, DefaultProviderURL, opts.ProviderURL)
}

func TestParseConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("listen: [unterminated"), 0644))

	_, err := ParseConfig(path)
	assert.Error(t, err)
}
