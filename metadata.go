package main

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Metadata is the bookkeeping record stored next to the database file.
type Metadata struct {
	EditionID     string     `json:"editionId"`
	ETag          *string    `json:"etag"`
	LastModified  *string    `json:"lastModified"`
	SHA256        *string    `json:"sha256"`
	DownloadedAt  *time.Time `json:"downloadedAt"`
	LastCheckedAt *time.Time `json:"lastCheckedAt"`
}

func (m *Metadata) clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// merge returns a copy of m with every field that update sets replaced.
// Nil fields of update keep their current value.
func (m *Metadata) merge(update *Metadata) *Metadata {
	out := m.clone()
	if out == nil {
		out = &Metadata{}
	}
	if update == nil {
		return out
	}
	if update.EditionID != "" {
		out.EditionID = update.EditionID
	}
	if update.ETag != nil {
		out.ETag = update.ETag
	}
	if update.LastModified != nil {
		out.LastModified = update.LastModified
	}
	if update.SHA256 != nil {
		out.SHA256 = update.SHA256
	}
	if update.DownloadedAt != nil {
		out.DownloadedAt = update.DownloadedAt
	}
	if update.LastCheckedAt != nil {
		out.LastCheckedAt = update.LastCheckedAt
	}
	return out
}

// FileMetadataRepository stores metadata as a pretty-printed JSON sidecar.
type FileMetadataRepository struct {
	Path string
}

func NewFileMetadataRepository(dataDir, editionID string) *FileMetadataRepository {
	return &FileMetadataRepository{Path: metadataPath(dataDir, editionID)}
}

func (r *FileMetadataRepository) Load() (*Metadata, error) {
	content, err := ioutil.ReadFile(r.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read metadata")
	}

	meta := new(Metadata)
	if err := json.Unmarshal(content, meta); err != nil {
		return nil, errors.Wrapf(err, "malformed metadata in %s", r.Path)
	}
	return meta, nil
}

func (r *FileMetadataRepository) Save(meta *Metadata) error {
	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode metadata")
	}
	content = append(content, '\n')

	return writeFileAtomic(r.Path, content)
}

func writeFileAtomic(path string, content []byte) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close temp file")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "unable to chmod temp file")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "unable to move %s into place", path)
}
