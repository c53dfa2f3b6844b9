package models

import (
	"math"
	"time"
)

// Track represents a playable track known to the console
type Track struct {
	ID        string    `json:"id"`
	FileName  string    `json:"fileName"`
	Title     string    `json:"title,omitempty"`
	Artist    string    `json:"artist,omitempty"`
	Duration  float64   `json:"duration"`            // in seconds
	Owner     string    `json:"owner,omitempty"`     // principal that owns the track
	RemoteKey string    `json:"remoteKey,omitempty"` // object reference at the remote origin, empty for local tracks
	Local     bool      `json:"local"`               // stored only on this device
	CreatedAt time.Time `json:"createdAt"`
}

// HasRemoteSource reports whether the track can be fetched from the remote origin
func (t *Track) HasRemoteSource() bool {
	return t != nil && !t.Local
}

// DurationValue returns the track duration as a time.Duration
func (t *Track) DurationValue() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.Duration * float64(time.Second))
}

// SignedURL is a short-lived download URL issued for a track
type SignedURL struct {
	URL       string        `json:"url"`
	ExpiresIn time.Duration `json:"-"`
	IssuedAt  time.Time     `json:"-"`
}

// ExpiresAt returns the moment the URL stops being usable
func (s SignedURL) ExpiresAt() time.Time {
	return s.IssuedAt.Add(s.ExpiresIn)
}

// Expired reports whether the URL can no longer be used at the given time
func (s SignedURL) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// Clamp01 clamps v into [0,1]. NaN clamps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
