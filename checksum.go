package main

import (
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

const maxChecksumSize = 4096

var ErrChecksumMismatch = errors.New("checksum verification failed")

func newHasher() hash.Hash {
	return sha256.New()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to open file for hashing")
	}
	defer f.Close()

	h := newHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "unable to hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseChecksum takes the first whitespace-delimited token of a
// "<hex digest>  <file name>" body.
func parseChecksum(text string) (string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", errors.New("checksum response is empty")
	}
	sum := strings.ToLower(fields[0])
	if _, err := hex.DecodeString(sum); err != nil {
		return "", errors.Wrapf(err, "malformed checksum %q", fields[0])
	}
	return sum, nil
}

func verifyChecksum(expected, actual string) error {
	if !strings.EqualFold(expected, actual) {
		return errors.Wrapf(ErrChecksumMismatch, "expected %s, got %s", expected, actual)
	}
	return nil
}
