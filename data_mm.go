package main

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

const (
	ArchiveSuffix  = "tar.gz"
	ChecksumSuffix = "tar.gz.sha256"

	headerETag            = "ETag"
	headerLastModified    = "Last-Modified"
	headerIfNoneMatch     = "If-None-Match"
	headerIfModifiedSince = "If-Modified-Since"
)

// downloadURL builds the MaxMind download endpoint for an edition, e.g.
// https://download.maxmind.com/geoip/databases/GeoLite2-City/download?suffix=tar.gz
func downloadURL(base, editionID, suffix string) string {
	q := url.Values{}
	q.Set("suffix", suffix)
	return strings.TrimRight(base, "/") + "/geoip/databases/" + url.PathEscape(editionID) + "/download?" + q.Encode()
}

func basicAuth(accountID, licenseKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(accountID+":"+licenseKey))
}

// providerHeaders returns the request headers for the archive endpoint.
// Conditional headers come from the stored caching tokens and are left out
// entirely when force is set.
func providerHeaders(opts *UpdateOptions, meta *Metadata) http.Header {
	h := authHeaders(opts)
	if opts.Force || meta == nil {
		return h
	}
	if meta.ETag != nil && *meta.ETag != "" {
		h.Set(headerIfNoneMatch, *meta.ETag)
	}
	if meta.LastModified != nil && *meta.LastModified != "" {
		h.Set(headerIfModifiedSince, *meta.LastModified)
	}
	return h
}

func authHeaders(opts *UpdateOptions) http.Header {
	h := http.Header{}
	h.Set("Authorization", basicAuth(opts.AccountID, opts.LicenseKey))
	h.Set("User-Agent", userAgent)
	return h
}

// cachingTokens is what the provider reports about the current archive.
type cachingTokens struct {
	etag         string
	lastModified string
}

func tokensFromResponse(resp *http.Response) cachingTokens {
	return cachingTokens{
		etag:         resp.Header.Get(headerETag),
		lastModified: resp.Header.Get(headerLastModified),
	}
}
