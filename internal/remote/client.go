// Package remote talks to the collaborator services that live outside the
// console: signed-URL issuance, track metadata and the object store that
// serves the signed downloads.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"turntable/internal/apperr"

	"golang.org/x/time/rate"
)

const UserAgent = "turntable/1.0"

// StatusError is a non-2xx response from a collaborator
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client is a rate-limited JSON client for one collaborator base URL
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Token      string
}

// NewClient creates a client allowing requestsPerSecond requests with a burst of one
func NewClient(baseURL, token string, requestsPerSecond float64, timeout time.Duration) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		Token:      token,
	}
}

// Do waits for the limiter and sends req with the standard headers
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.HTTPClient.Do(req.WithContext(ctx))
}

// DoRequest encodes body as JSON, sends it to BaseURL+path and decodes the
// response into result. Non-2xx responses are returned as *StatusError.
func (c *Client) DoRequest(ctx context.Context, method, path string, header http.Header, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	url := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// classify maps an issuer or catalog failure onto the console error kinds.
// A missing track and missing rights are terminal, everything else is
// treated as transient.
func classify(op, trackID string, err error) error {
	if se, ok := err.(*StatusError); ok {
		switch se.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
			return apperr.NotFound(op, trackID, err)
		}
	}
	return apperr.Network(op, trackID, err)
}

// classifyDownload maps an object store failure. A rejected signature is
// transient since a fresh URL may succeed.
func classifyDownload(trackID string, err error) error {
	if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusNotFound {
		return apperr.NotFound("download", trackID, err)
	}
	return apperr.Network("download", trackID, err)
}
