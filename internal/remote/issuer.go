package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"turntable/internal/apperr"
	"turntable/pkg/models"
)

// PrincipalHeader carries the identity a collaborator request acts for
const PrincipalHeader = "X-Turntable-Principal"

// IssuerClient requests short-lived download URLs for remotely stored tracks
type IssuerClient struct {
	client *Client
	now    func() time.Time
}

// NewIssuerClient creates an issuance client on top of c
func NewIssuerClient(c *Client) *IssuerClient {
	return &IssuerClient{client: c, now: time.Now}
}

type downloadURLResponse struct {
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// IssueDownloadURL asks the issuer for a signed URL for trackID on behalf of principal
func (i *IssuerClient) IssueDownloadURL(ctx context.Context, trackID string, principal models.Principal) (models.SignedURL, error) {
	header := http.Header{}
	header.Set(PrincipalHeader, principal.ID)

	issuedAt := i.now()
	var resp downloadURLResponse
	path := fmt.Sprintf("/tracks/%s/download-url", url.PathEscape(trackID))
	if err := i.client.DoRequest(ctx, http.MethodPost, path, header, map[string]string{"owner": principal.ID}, &resp); err != nil {
		return models.SignedURL{}, classify("issue download url", trackID, err)
	}
	if resp.URL == "" {
		return models.SignedURL{}, apperr.Network("issue download url", trackID, fmt.Errorf("issuer returned an empty url"))
	}

	return models.SignedURL{
		URL:       resp.URL,
		ExpiresIn: time.Duration(resp.ExpiresInSeconds) * time.Second,
		IssuedAt:  issuedAt,
	}, nil
}

// Downloader fetches the bytes behind a signed URL
type Downloader struct {
	HTTPClient *http.Client
	MaxBytes   int64
	now        func() time.Time
}

// NewDownloader creates a downloader with the given request timeout.
// maxBytes of 0 means no limit.
func NewDownloader(timeout time.Duration, maxBytes int64) *Downloader {
	return &Downloader{
		HTTPClient: &http.Client{Timeout: timeout},
		MaxBytes:   maxBytes,
		now:        time.Now,
	}
}

// Fetch downloads the object behind u. The request must start before the
// URL expires; an expired URL is a network error and no request is made.
func (d *Downloader) Fetch(ctx context.Context, trackID string, u models.SignedURL) ([]byte, error) {
	if u.Expired(d.now()) {
		return nil, apperr.Network("download", trackID, fmt.Errorf("signed url expired at %s", u.ExpiresAt().Format(time.RFC3339)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, apperr.Network("download", trackID, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.Network("download", trackID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyDownload(trackID, &StatusError{
			Method:     http.MethodGet,
			URL:        redact(u.URL),
			StatusCode: resp.StatusCode,
		})
	}

	var body io.Reader = resp.Body
	if d.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, d.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Network("download", trackID, err)
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return nil, apperr.Network("download", trackID, fmt.Errorf("object exceeds %d bytes", d.MaxBytes))
	}
	return data, nil
}

// redact drops the query string so signatures never reach the logs
func redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	parsed.RawQuery = ""
	return parsed.String()
}
