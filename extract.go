package main

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var (
	ErrNoDatabaseFile        = errors.New("no database file found in archive")
	ErrMultipleDatabaseFiles = errors.New("archive contains more than one database file")
)

// extractArchive unpacks the regular files and directories of a tar.gz
// archive into destDir. Links and other special members are skipped.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "unable to open archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "unable to open gzip stream")
	}
	defer gz.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return errors.Wrap(err, "unable to resolve extraction dir")
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "unable to read archive member")
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return errors.Errorf("archive member %q escapes the extraction dir", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "unable to create dir from archive")
			}
		case tar.TypeReg:
			if err := extractFile(tr, target); err != nil {
				return err
			}
		}
	}

	return nil
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "unable to create dir from archive")
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "unable to create file from archive")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrap(err, "unable to write file from archive")
	}
	return errors.Wrap(out.Close(), "unable to close file from archive")
}

// findDatabaseFile searches dir recursively for the one file ending in
// suffix. Zero or several matches are both errors.
func findDatabaseFile(dir, suffix string) (string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), suffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "unable to walk extraction dir")
	}

	switch len(matches) {
	case 0:
		return "", errors.Wrapf(ErrNoDatabaseFile, "no *%s under %s", suffix, dir)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Wrapf(ErrMultipleDatabaseFiles, "%s", strings.Join(matches, ", "))
	}
}
