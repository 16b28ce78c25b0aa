package main

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

const (
	DefaultMaxRedirects = 5

	userAgent = "geoipsync/1.0"
)

var ErrRedirectLimit = errors.New("redirect limit exceeded")

// StatusError reports a provider response with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return e.Op + " failed with status " + strconv.Itoa(e.StatusCode)
}

// Requester issues HTTP requests and follows redirects itself, so that
// every intermediate body gets drained and the hop budget is explicit.
type Requester struct {
	Client       *http.Client
	MaxRedirects int
}

func NewRequester(client *http.Client) *Requester {
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Requester{
		Client:       &c,
		MaxRedirects: DefaultMaxRedirects,
	}
}

// Do returns the first non-redirect response. The caller owns its body.
func (r *Requester) Do(ctx context.Context, method, target string, header http.Header) (*http.Response, error) {
	return r.do(ctx, method, target, header, r.MaxRedirects)
}

func (r *Requester) do(ctx context.Context, method, target string, header http.Header, budget int) (*http.Response, error) {
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build %s request", method)
	}
	req = req.WithContext(ctx)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, redactURL(req.URL))
	}

	location := resp.Header.Get("Location")
	if resp.StatusCode < 300 || resp.StatusCode > 399 || location == "" {
		return resp, nil
	}
	drainBody(resp)

	if budget <= 0 {
		return nil, errors.Wrapf(ErrRedirectLimit, "%s %s", method, redactURL(req.URL))
	}
	next, err := req.URL.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redirect location %q", location)
	}

	nextHeader := header
	if next.Host != req.URL.Host {
		// signed storage URLs reject (and must not see) provider credentials
		nextHeader = cloneHeader(header)
		nextHeader.Del("Authorization")
	}
	return r.do(ctx, method, next.String(), nextHeader, budget-1)
}

// drainBody consumes and closes a response body so the connection can be reused.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(ioutil.Discard, resp.Body)
	resp.Body.Close()
}

// readText reads at most limit bytes of the body as text and closes it.
func readText(resp *http.Response, limit int64) (string, error) {
	defer drainBody(resp)
	content, err := ioutil.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", errors.Wrap(err, "unable to read response body")
	}
	return string(content), nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func redactURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

func isSuccess(code int) bool {
	return code >= 200 && code <= 299
}
