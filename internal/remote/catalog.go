package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"turntable/pkg/models"
)

// CatalogClient reads track metadata from the remote track service
type CatalogClient struct {
	client *Client
}

// NewCatalogClient creates a metadata client on top of c
func NewCatalogClient(c *Client) *CatalogClient {
	return &CatalogClient{client: c}
}

// remoteTrack is the catalog wire format
type remoteTrack struct {
	ID        string  `json:"id"`
	FileName  string  `json:"fileName"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Duration  float64 `json:"duration"`
	Owner     string  `json:"owner"`
	RemoteKey string  `json:"key"`
}

// GetTrack fetches one track record visible to principal
func (c *CatalogClient) GetTrack(ctx context.Context, trackID string, principal models.Principal) (*models.Track, error) {
	header := http.Header{}
	header.Set(PrincipalHeader, principal.ID)

	var rt remoteTrack
	path := fmt.Sprintf("/tracks/%s", url.PathEscape(trackID))
	if err := c.client.DoRequest(ctx, http.MethodGet, path, header, nil, &rt); err != nil {
		return nil, classify("get track", trackID, err)
	}
	if rt.ID == "" {
		rt.ID = trackID
	}

	return &models.Track{
		ID:        rt.ID,
		FileName:  rt.FileName,
		Title:     rt.Title,
		Artist:    rt.Artist,
		Duration:  rt.Duration,
		Owner:     rt.Owner,
		RemoteKey: rt.RemoteKey,
	}, nil
}
