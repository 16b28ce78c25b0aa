package main

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const (
	testEdition    = "GeoLite2-City"
	testAccountID  = "123456"
	testLicenseKey = "secret"
)

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// fakeProvider mimics the MaxMind download endpoint.
type fakeProvider struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	archive        []byte
	checksum       string
	etag           string
	lastModified   string
	honorCondition bool
	headStatus     int
	getStatus      int
	checksumStatus int

	heads     int
	gets      int
	checksums int
	headReqs  []http.Header

	// storage, when set, receives every GET through a redirect
	storage     *httptest.Server
	storageAuth []string
}

func newFakeProvider(t *testing.T, archive []byte) *fakeProvider {
	p := &fakeProvider{
		t:              t,
		archive:        archive,
		checksum:       sha256Hex(archive) + "  " + testEdition + ".tar.gz\n",
		etag:           `"v2"`,
		lastModified:   time.Now().Add(time.Hour).UTC().Format(http.TimeFormat),
		honorCondition: true,
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.URL.Path != "/geoip/databases/"+testEdition+"/download" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Authorization") != basicAuth(testAccountID, testLicenseKey) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if p.storage != nil && r.Method == http.MethodGet {
		w.Header().Set("Location", p.storage.URL+"/object?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusFound)
		w.Write([]byte("redirecting to storage"))
		return
	}
	p.respond(w, r)
}

// redirectToStorage makes the provider answer GETs with a redirect to a
// second server that has no use for the provider credentials.
func (p *fakeProvider) redirectToStorage() {
	p.storage = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.storageAuth = append(p.storageAuth, r.Header.Get("Authorization"))
		p.respond(w, r)
	}))
	p.t.Cleanup(p.storage.Close)
}

func (p *fakeProvider) respond(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("suffix") == ChecksumSuffix {
		p.checksums++
		if p.checksumStatus != 0 {
			w.WriteHeader(p.checksumStatus)
			return
		}
		w.Write([]byte(p.checksum))
		return
	}

	if r.Method == http.MethodHead {
		p.heads++
		p.headReqs = append(p.headReqs, r.Header.Clone())
		if p.headStatus != 0 {
			w.WriteHeader(p.headStatus)
			return
		}
	} else {
		p.gets++
		if p.getStatus != 0 {
			w.WriteHeader(p.getStatus)
			return
		}
	}

	if p.honorCondition && p.etag != "" && strings.Contains(r.Header.Get(headerIfNoneMatch), p.etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if p.etag != "" {
		w.Header().Set(headerETag, p.etag)
	}
	if p.lastModified != "" {
		w.Header().Set(headerLastModified, p.lastModified)
	}
	w.Header().Set("Content-Type", "application/gzip")
	if r.Method == http.MethodHead {
		return
	}
	w.Write(p.archive)
}

func (p *fakeProvider) requests() (heads, gets, checksums int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heads, p.gets, p.checksums
}

func (p *fakeProvider) options(dataDir string) *UpdateOptions {
	return &UpdateOptions{
		AccountID:   testAccountID,
		LicenseKey:  testLicenseKey,
		EditionID:   testEdition,
		DataDir:     dataDir,
		ProviderURL: p.server.URL,
		Client:      p.server.Client(),
	}
}
