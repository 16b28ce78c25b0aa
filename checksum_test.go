package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChecksum(t *testing.T) {
	sum := sha256Hex([]byte("archive"))

	for _, text := range []string{
		sum,
		sum + "\n",
		sum + "  GeoLite2-City_20261014.tar.gz\n",
		"  \t" + sum + "\tfile",
	} {
		got, err := parseChecksum(text)
		require.NoError(t, err, text)
		assert.Equal(t, sum, got)
	}

	got, err := parseChecksum("ABCDEF01 file")
	require.NoError(t, err)
	assert.Equal(t, "abcdef01", got)

	_, err = parseChecksum(" \n")
	assert.Error(t, err)
	_, err = parseChecksum("<html>not found</html>")
	assert.Error(t, err)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	require.NoError(t, ioutil.WriteFile(path, []byte("archive"), 0644))

	sum, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex([]byte("archive")), sum)
	assert.NoError(t, verifyChecksum(sum, sum))

	err = verifyChecksum(sha256Hex([]byte("other")), sum)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}
