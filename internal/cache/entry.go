// Package cache implements the cache strategy engine: per-request policy
// selection, the cache-first, network-first and stale-while-revalidate
// algorithms, and namespace versioning, eviction and expiry.
package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TimestampHeader marks when an entry was written, in epoch milliseconds.
const TimestampHeader = "X-Cache-Timestamp"

// Entry is a stored response.
type Entry struct {
	Key    string
	Status int
	Header http.Header
	Body   []byte
}

// Key normalizes a request into a cache key: upper-case method, a space,
// and the absolute URL without fragment.
func Key(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" && req.Host != "" {
		u.Host = req.Host
		if u.Scheme == "" {
			u.Scheme = "http"
			if req.TLS != nil {
				u.Scheme = "https"
			}
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + u.String()
}

// KeyFor builds the key of a GET for rawURL.
func KeyFor(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return Key(&http.Request{Method: http.MethodGet, URL: u}), nil
}

// NewEntry captures resp under key, stamping it with now. body is the
// already buffered response body.
func NewEntry(key string, resp *http.Response, body []byte, now time.Time) *Entry {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(TimestampHeader, strconv.FormatInt(now.UnixMilli(), 10))
	return &Entry{
		Key:    key,
		Status: resp.StatusCode,
		Header: header,
		Body:   append([]byte(nil), body...),
	}
}

// Timestamp returns the write time, or false when the marker is absent or
// unparsable.
func (e *Entry) Timestamp() (time.Time, bool) {
	raw := e.Header.Get(TimestampHeader)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Expired reports whether the entry is at least window old at now. An
// entry without a timestamp never expires.
func (e *Entry) Expired(now time.Time, window time.Duration) bool {
	written, ok := e.Timestamp()
	if !ok {
		return false
	}
	return now.Sub(written) >= window
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	return &Entry{
		Key:    e.Key,
		Status: e.Status,
		Header: e.Header.Clone(),
		Body:   append([]byte(nil), e.Body...),
	}
}

// Response builds a fresh response for req from the entry. Each call gets
// its own body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// timeoutResponse is the synthetic failure returned when neither the cache
// nor the network can answer.
func timeoutResponse(req *http.Request) *http.Response {
	body := []byte("offline: no cached response available")
	return &http.Response{
		Status:        "408 Request Timeout",
		StatusCode:    http.StatusRequestTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
