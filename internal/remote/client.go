// Package remote submits queued records to the remote API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// Header names attached to every sync call.
const (
	HeaderSyncID   = "X-Sync-ID"
	HeaderDeviceID = "X-Device-ID"
)

// maxErrorDetail bounds the response text kept in an error.
const maxErrorDetail = 512

// Submission is one outbound sync call.
type Submission struct {
	Method   string
	Endpoint string
	SyncID   string
	DeviceID string
	Headers  map[string]string
	Body     []byte
}

// Result is a successful response.
type Result struct {
	Status int

	// ServerID is the "id" field of the response body, when present.
	ServerID string
}

// Client talks to the remote API.
type Client struct {
	base *url.URL
	http *http.Client
	log  *logging.Logger
}

// New creates a Client for baseURL whose calls time out after timeout.
func New(baseURL string, timeout time.Duration, log *logging.Logger) (*Client, error) {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, log)
}

// NewWithHTTPClient creates a Client over an existing http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client, log *logging.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Client{base: base, http: hc, log: log.Component("remote")}, nil
}

// Resolve returns the absolute URL of endpoint.
func (c *Client) Resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "parse endpoint", err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Submit sends s. A non-2xx response fails with ErrServerRejected carrying
// the status and the response's error detail; a transport failure fails
// with ErrNetworkFailure.
func (c *Client) Submit(ctx context.Context, s Submission) (*Result, error) {
	target, err := c.Resolve(s.Endpoint)
	if err != nil {
		return nil, err
	}
	method := s.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(s.Body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSyncID, s.SyncID)
	req.Header.Set(HeaderDeviceID, s.DeviceID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, fmt.Sprintf("%s %s", method, s.Endpoint), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "read response", err)
	}

	c.log.Debug("sync call", map[string]interface{}{
		"method":   method,
		"endpoint": s.Endpoint,
		"sync_id":  s.SyncID,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Rejected(resp.StatusCode, errorDetail(resp.StatusCode, body))
	}
	return &Result{Status: resp.StatusCode, ServerID: serverID(body)}, nil
}

// serverID extracts the "id" of a JSON object body. Numeric ids keep the
// digits the server sent.
func serverID(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return ""
	}
	switch id := doc["id"].(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	}
	return ""
}

// errorDetail prefers the "message" or "error" field of a JSON body and
// falls back to the raw text.
func errorDetail(status int, body []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, field := range []string{"message", "error", "detail"} {
			if msg, ok := doc[field].(string); ok && msg != "" {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorDetail {
		cut := maxErrorDetail
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return text
}
