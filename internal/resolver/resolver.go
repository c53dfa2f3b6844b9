// Package resolver turns a track id into playable bytes, preferring the
// device-local blob cache over the remote origin.
package resolver

import (
	"context"
	"fmt"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/cache"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// URLIssuer hands out short-lived download URLs
type URLIssuer interface {
	IssueDownloadURL(ctx context.Context, trackID string, principal models.Principal) (models.SignedURL, error)
}

// Fetcher downloads the bytes behind a signed URL
type Fetcher interface {
	Fetch(ctx context.Context, trackID string, u models.SignedURL) ([]byte, error)
}

// Validator checks that fetched bytes are playable before they are cached
type Validator func(trackID string, data []byte) error

// Resolver locates track bytes in the cache or at the remote origin
type Resolver struct {
	cache        cache.Store
	issuer       URLIssuer
	fetcher      Fetcher
	validate     Validator
	fetchTimeout time.Duration
	logger       *logrus.Logger

	group singleflight.Group
}

// Options configures a Resolver. Issuer and Fetcher may be nil when no
// remote origin is configured; every cache miss is then not found.
type Options struct {
	Cache        cache.Store
	Issuer       URLIssuer
	Fetcher      Fetcher
	Validate     Validator
	FetchTimeout time.Duration
	Logger       *logrus.Logger
}

// New creates a resolver
func New(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	return &Resolver{
		cache:        opts.Cache,
		issuer:       opts.Issuer,
		fetcher:      opts.Fetcher,
		validate:     opts.Validate,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
	}
}

// Resolve returns the bytes of trackID. A cache hit never touches the network.
// On a miss, principals with remote rights fetch through a signed URL and the
// validated bytes are written back to the cache; everyone else gets
// ErrTrackNotFound. Concurrent calls for the same id share one fetch.
func (r *Resolver) Resolve(ctx context.Context, trackID string, principal models.Principal) ([]byte, error) {
	if trackID == "" {
		return nil, apperr.NotFound("resolve", trackID, fmt.Errorf("empty track id"))
	}

	log := r.logger.WithFields(logrus.Fields{
		"track_id":  trackID,
		"principal": principal.ID,
	})

	data, found, err := r.cache.GetTrack(ctx, trackID)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).Warn("Cache read failed, treating as miss")
	case found:
		log.Debug("Cache hit")
		return data, nil
	}

	if !principal.CanUseRemote() || r.issuer == nil || r.fetcher == nil {
		return nil, apperr.NotFound("resolve", trackID, fmt.Errorf("not in local cache"))
	}

	// The shared fetch outlives any single caller so one caller giving up
	// does not fail the others waiting on it.
	ch := r.group.DoChan(trackID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.fetchRemote(fetchCtx, trackID, principal, log)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fetchRemote(ctx context.Context, trackID string, principal models.Principal, log *logrus.Entry) ([]byte, error) {
	startTime := time.Now()

	signed, err := r.issuer.IssueDownloadURL(ctx, trackID, principal)
	if err != nil {
		log.WithError(err).Warn("Signed URL issuance failed")
		return nil, err
	}

	data, err := r.fetcher.Fetch(ctx, trackID, signed)
	if err != nil {
		log.WithError(err).Warn("Remote download failed")
		return nil, err
	}

	if r.validate != nil {
		if err := r.validate(trackID, data); err != nil {
			log.WithError(err).Warn("Downloaded content is not playable, not caching")
			return nil, err
		}
	}

	if err := r.cache.PutTrack(ctx, trackID, data); err != nil {
		// Playback continues without the cache entry
		log.WithError(err).Warn("Failed to cache track")
	}

	log.WithFields(logrus.Fields{
		"bytes":          len(data),
		"processingTime": time.Since(startTime),
	}).Info("Resolved track from remote origin")

	return data, nil
}

// Invalidate removes a track from the local cache
func (r *Resolver) Invalidate(ctx context.Context, trackID string) error {
	if err := r.cache.DeleteTrack(ctx, trackID); err != nil {
		return err
	}
	r.logger.WithField("track_id", trackID).Info("Invalidated cached track")
	return nil
}
