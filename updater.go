package main

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyBody        = errors.New("empty response body")
	ErrUpdateInProgress = errors.New("another update is in progress")
	ErrNoCredentials    = errors.New("provider credentials are not configured")
)

// UpdateOptions configures one run of the update pipeline.
type UpdateOptions struct {
	AccountID  string
	LicenseKey string
	EditionID  string
	DataDir    string
	Force      bool
	Logger     Logger

	ProviderURL     string
	RecheckInterval time.Duration
	DownloadTimeout time.Duration
	// Client is used instead of a new client with DownloadTimeout when set.
	Client *http.Client
	// Metadata defaults to the JSON sidecar in DataDir.
	Metadata MetadataRepository
	Now      func() time.Time
}

type UpdateState int

const (
	StateChecking UpdateState = iota
	StateSkipped
	StateProbing
	StateFetching
	StateVerifying
	StateExtracting
	StateReplacing
	StatePersistingMetadata
	StateDone
	StateFailed
)

var stateNames = map[UpdateState]string{
	StateChecking:           "checking",
	StateSkipped:            "skipped",
	StateProbing:            "probing",
	StateFetching:           "fetching",
	StateVerifying:          "verifying",
	StateExtracting:         "extracting",
	StateReplacing:          "replacing",
	StatePersistingMetadata: "persisting-metadata",
	StateDone:               "done",
	StateFailed:             "failed",
}

func (s UpdateState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Replacing is the only way into PersistingMetadata that carries a new
// download; the other two only refresh caching tokens and lastCheckedAt.
var transitions = map[UpdateState][]UpdateState{
	StateChecking:           {StateSkipped, StateProbing, StateFailed},
	StateSkipped:            {StateDone},
	StateProbing:            {StatePersistingMetadata, StateFetching, StateFailed},
	StateFetching:           {StatePersistingMetadata, StateVerifying, StateFailed},
	StateVerifying:          {StateExtracting, StateFailed},
	StateExtracting:         {StateReplacing, StateFailed},
	StateReplacing:          {StatePersistingMetadata, StateFailed},
	StatePersistingMetadata: {StateDone, StateFailed},
}

func canTransition(from, to UpdateState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateGeoipDatabase brings the local database of opts.EditionID up to
// date. It reports whether the database file was replaced.
func UpdateGeoipDatabase(ctx context.Context, opts *UpdateOptions) (bool, error) {
	u, err := NewUpdater(opts)
	if err != nil {
		return false, err
	}
	return u.Update(ctx)
}

type Updater struct {
	opts      *UpdateOptions
	repo      MetadataRepository
	requester *Requester
	log       Logger
	now       func() time.Time

	onTransition func(from, to UpdateState)
}

func NewUpdater(opts *UpdateOptions) (*Updater, error) {
	if opts.AccountID == "" || opts.LicenseKey == "" {
		return nil, ErrNoCredentials
	}
	if opts.EditionID == "" {
		return nil, errors.New("edition id is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("data dir is required")
	}

	resolved := *opts
	opts = &resolved

	u := &Updater{
		opts: opts,
		repo: opts.Metadata,
		log:  opts.Logger,
		now:  opts.Now,
	}
	if u.repo == nil {
		u.repo = NewFileMetadataRepository(opts.DataDir, opts.EditionID)
	}
	if u.log == nil {
		u.log = logrus.WithField("edition", opts.EditionID)
	}
	if u.now == nil {
		u.now = time.Now
	}
	if opts.ProviderURL == "" {
		opts.ProviderURL = DefaultProviderURL
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = defaultRecheckInterval
	}

	client := opts.Client
	if client == nil {
		timeout := opts.DownloadTimeout
		if timeout <= 0 {
			timeout = defaultDownloadTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	u.requester = NewRequester(client)

	return u, nil
}

// Update runs the pipeline once. Every step decides the next state; the
// database file and metadata are written only after a verified download.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	r := &updateRun{
		Updater:  u,
		dbPath:   databasePath(u.opts.DataDir, u.opts.EditionID),
		archive:  downloadURL(u.opts.ProviderURL, u.opts.EditionID, ArchiveSuffix),
		checksum: downloadURL(u.opts.ProviderURL, u.opts.EditionID, ChecksumSuffix),
	}
	defer r.cleanup()

	state := StateChecking
	for {
		var (
			next UpdateState
			err  error
		)
		switch state {
		case StateChecking:
			next, err = r.check()
		case StateSkipped:
			next = StateDone
		case StateProbing:
			next, err = r.probe(ctx)
		case StateFetching:
			next, err = r.fetch(ctx)
		case StateVerifying:
			next, err = r.verify(ctx)
		case StateExtracting:
			next, err = r.extract()
		case StateReplacing:
			next, err = r.replace()
		case StatePersistingMetadata:
			next, err = r.persist()
		case StateDone:
			return r.replaced, nil
		case StateFailed:
			return false, r.err
		}
		if err != nil {
			r.err = err
			next = StateFailed
		}
		if !canTransition(state, next) {
			return false, errors.Errorf("illegal update transition %s -> %s", state, next)
		}
		if u.onTransition != nil {
			u.onTransition(state, next)
		}
		state = next
	}
}

type updateRun struct {
	*Updater

	dbPath   string
	archive  string
	checksum string

	lock  *flock.Flock
	prior *Metadata
	next  *Metadata

	tokens        cachingTokens
	archivePath   string
	archiveSum    string
	extractDir    string
	extractedPath string
	replaced      bool
	err           error
}

func (r *updateRun) check() (UpdateState, error) {
	prior, err := r.repo.Load()
	if err != nil {
		return StateFailed, err
	}
	r.prior = prior

	if r.opts.Force || prior == nil || prior.LastCheckedAt == nil || !fileReadable(r.dbPath) {
		return StateProbing, nil
	}
	if r.now().Before(prior.LastCheckedAt.Add(r.opts.RecheckInterval)) {
		r.log.Infof("checked at %s, next check after %s", prior.LastCheckedAt.Format(time.RFC3339),
			prior.LastCheckedAt.Add(r.opts.RecheckInterval).Format(time.RFC3339))
		return StateSkipped, nil
	}
	return StateProbing, nil
}

func (r *updateRun) probe(ctx context.Context) (UpdateState, error) {
	if err := r.acquireLock(); err != nil {
		return StateFailed, err
	}
	// another process may have finished a run while we waited for the lock
	prior, err := r.repo.Load()
	if err != nil {
		return StateFailed, err
	}
	r.prior = prior

	resp, err := r.requester.Do(ctx, http.MethodHead, r.archive, r.headers())
	if err != nil {
		return StateFailed, errors.Wrap(err, "HEAD check")
	}
	drainBody(resp)

	if resp.StatusCode == http.StatusNotModified {
		r.log.Infof("database is not modified")
		r.touch(cachingTokens{})
		return StatePersistingMetadata, nil
	}
	if !isSuccess(resp.StatusCode) {
		return StateFailed, &StatusError{Op: "HEAD check", StatusCode: resp.StatusCode}
	}

	r.tokens = tokensFromResponse(resp)
	if !r.opts.Force && r.unchanged(r.tokens) {
		r.log.Infof("remote database matches the local copy")
		r.touch(r.tokens)
		return StatePersistingMetadata, nil
	}
	return StateFetching, nil
}

// headers leaves out the conditional headers while there is no local file
// they could refer to.
func (r *updateRun) headers() http.Header {
	if !fileReadable(r.dbPath) {
		return providerHeaders(r.opts, nil)
	}
	return providerHeaders(r.opts, r.prior)
}

// unchanged compares what the provider reports against the stored tokens
// and the local file. Remotes that ignore conditional headers end up here.
func (r *updateRun) unchanged(remote cachingTokens) bool {
	info, err := os.Stat(r.dbPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if r.prior != nil {
		if remote.etag != "" && r.prior.ETag != nil && *r.prior.ETag == remote.etag {
			return true
		}
		if remote.lastModified != "" && r.prior.LastModified != nil && *r.prior.LastModified == remote.lastModified {
			return true
		}
	}
	if remote.lastModified == "" {
		return false
	}
	modified, err := http.ParseTime(remote.lastModified)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(modified)
}

func (r *updateRun) fetch(ctx context.Context) (UpdateState, error) {
	resp, err := r.requester.Do(ctx, http.MethodGet, r.archive, r.headers())
	if err != nil {
		return StateFailed, errors.Wrap(err, "download")
	}
	defer drainBody(resp)

	if resp.StatusCode == http.StatusNotModified {
		r.log.Infof("database is not modified")
		r.touch(cachingTokens{})
		return StatePersistingMetadata, nil
	}
	if !isSuccess(resp.StatusCode) {
		return StateFailed, &StatusError{Op: "download", StatusCode: resp.StatusCode}
	}
	r.tokens = tokensFromResponse(resp)

	if err := os.MkdirAll(r.opts.DataDir, 0755); err != nil {
		return StateFailed, errors.Wrap(err, "unable to create data dir")
	}
	tmp, err := ioutil.TempFile(r.opts.DataDir, "."+r.opts.EditionID+"-*."+ArchiveSuffix)
	if err != nil {
		return StateFailed, errors.Wrap(err, "unable to create temp archive")
	}
	r.archivePath = tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return StateFailed, errors.Wrap(err, "unable to download archive")
	}
	if err := tmp.Close(); err != nil {
		return StateFailed, errors.Wrap(err, "unable to close temp archive")
	}
	if n == 0 {
		return StateFailed, errors.Wrap(ErrEmptyBody, "download")
	}
	r.log.Infof("downloaded %d bytes", n)

	return StateVerifying, nil
}

func (r *updateRun) verify(ctx context.Context) (UpdateState, error) {
	sum, err := hashFile(r.archivePath)
	if err != nil {
		return StateFailed, err
	}
	r.archiveSum = sum

	resp, err := r.requester.Do(ctx, http.MethodGet, r.checksum, authHeaders(r.opts))
	if err != nil {
		return StateFailed, errors.Wrap(err, "checksum download")
	}
	if !isSuccess(resp.StatusCode) {
		drainBody(resp)
		return StateFailed, &StatusError{Op: "checksum download", StatusCode: resp.StatusCode}
	}

	text, err := readText(resp, maxChecksumSize)
	if err != nil {
		return StateFailed, err
	}
	expected, err := parseChecksum(text)
	if err != nil {
		return StateFailed, err
	}
	if err := verifyChecksum(expected, r.archiveSum); err != nil {
		r.log.Warnf("archive checksum mismatch, keeping the current database")
		return StateFailed, err
	}
	return StateExtracting, nil
}

func (r *updateRun) extract() (UpdateState, error) {
	dir, err := ioutil.TempDir(r.opts.DataDir, "."+r.opts.EditionID+"-extract-*")
	if err != nil {
		return StateFailed, errors.Wrap(err, "unable to create extraction dir")
	}
	r.extractDir = dir

	if err := extractArchive(r.archivePath, dir); err != nil {
		return StateFailed, err
	}
	path, err := findDatabaseFile(dir, databaseSuffix)
	if err != nil {
		return StateFailed, err
	}
	r.extractedPath = path

	return StateReplacing, nil
}

func (r *updateRun) replace() (UpdateState, error) {
	if err := installFile(r.extractedPath, r.dbPath); err != nil {
		return StateFailed, err
	}
	if !fileReadable(r.dbPath) {
		return StateFailed, errors.Errorf("database %s is not readable after replacement", r.dbPath)
	}
	r.replaced = true

	now := r.now()
	r.next = &Metadata{
		EditionID:     r.opts.EditionID,
		ETag:          optionalString(r.tokens.etag),
		LastModified:  optionalString(r.tokens.lastModified),
		SHA256:        optionalString(r.archiveSum),
		DownloadedAt:  &now,
		LastCheckedAt: &now,
	}
	r.log.Infof("database replaced, sha256 %s", r.archiveSum)

	return StatePersistingMetadata, nil
}

func (r *updateRun) persist() (UpdateState, error) {
	if err := r.repo.Save(r.next); err != nil {
		return StateFailed, err
	}
	return StateDone, nil
}

// touch prepares a metadata record that keeps everything from the previous
// run except lastCheckedAt and any caching tokens the provider just reported.
func (r *updateRun) touch(remote cachingTokens) {
	now := r.now()
	r.next = r.prior.merge(&Metadata{
		EditionID:     r.opts.EditionID,
		ETag:          optionalString(remote.etag),
		LastModified:  optionalString(remote.lastModified),
		LastCheckedAt: &now,
	})
}

func (r *updateRun) acquireLock() error {
	if err := os.MkdirAll(r.opts.DataDir, 0755); err != nil {
		return errors.Wrap(err, "unable to create data dir")
	}
	lock := flock.New(lockPath(r.opts.DataDir, r.opts.EditionID))
	ok, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "unable to lock data dir")
	}
	if !ok {
		return ErrUpdateInProgress
	}
	r.lock = lock
	return nil
}

func (r *updateRun) cleanup() {
	if r.archivePath != "" {
		if err := os.Remove(r.archivePath); err != nil && !os.IsNotExist(err) {
			r.log.Warnf("unable to remove temp archive %s: %v", r.archivePath, err)
		}
	}
	if r.extractDir != "" {
		if err := os.RemoveAll(r.extractDir); err != nil {
			r.log.Warnf("unable to remove extraction dir %s: %v", r.extractDir, err)
		}
	}
	if r.lock != nil {
		r.lock.Unlock()
	}
}

// installFile copies src next to dst and renames it into place, so readers
// of dst see either the old or the new file.
func installFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "unable to open extracted database")
	}
	defer in.Close()

	tmp, err := ioutil.TempFile(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp database")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to copy database")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to sync database")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close temp database")
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "unable to chmod temp database")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dst), "unable to move database into place")
}

func fileReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
