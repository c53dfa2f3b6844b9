// Package console wires the two decks, the crossfade mixer, the resolver and
// the shared state store into the operations the UI calls.
package console

import (
	"context"
	"errors"
	"fmt"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/cache"
	"turntable/internal/deck"
	"turntable/internal/mixer"
	"turntable/internal/resolver"
	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrInvalidDeck is returned for a deck id other than A or B
var ErrInvalidDeck = errors.New("invalid deck")

// LocalTracks looks up tracks stored only on this device
type LocalTracks interface {
	Get(ctx context.Context, trackID string) (*models.Track, bool, error)
}

// Catalog looks up remote track metadata
type Catalog interface {
	GetTrack(ctx context.Context, trackID string, principal models.Principal) (*models.Track, error)
}

// Options configures a Console
type Options struct {
	Cache           cache.Store
	Resolver        *resolver.Resolver
	Decoder         deck.Decoder
	Local           LocalTracks // optional
	Catalog         Catalog     // optional
	RefreshInterval time.Duration
	BufferSize      int
	Logger          *logrus.Logger
}

// Console is the mixing engine behind the UI
type Console struct {
	store    *state.Store
	mixer    *mixer.Mixer
	decks    [2]*deck.Deck
	cache    cache.Store
	resolver *resolver.Resolver
	local    LocalTracks
	catalog  Catalog
	refresh  time.Duration
	logger   *logrus.Logger
}

// New builds a console with both decks empty and the crossfader centred
func New(opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 16 * time.Millisecond
	}

	store := state.NewStore()
	mx := mixer.New(store, opts.BufferSize)

	c := &Console{
		store:    store,
		mixer:    mx,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		local:    opts.Local,
		catalog:  opts.Catalog,
		refresh:  opts.RefreshInterval,
		logger:   opts.Logger,
	}
	for _, id := range models.Decks {
		c.decks[id] = deck.New(id, opts.Resolver, opts.Decoder, mx, store, opts.Logger)
	}
	return c
}

// Store returns the shared state store
func (c *Console) Store() *state.Store {
	return c.store
}

// Mixer returns the master bus
func (c *Console) Mixer() *mixer.Mixer {
	return c.mixer
}

// Deck returns the deck with the given id
func (c *Console) Deck(id models.DeckID) (*deck.Deck, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDeck, id)
	}
	return c.decks[id], nil
}

// Snapshot returns the latest committed state of both decks and the crossfader
func (c *Console) Snapshot() state.Snapshot {
	return c.store.Snapshot()
}

// Subscribe registers a listener for state changes
func (c *Console) Subscribe() <-chan state.Snapshot {
	return c.store.Subscribe()
}

// Unsubscribe removes a listener
func (c *Console) Unsubscribe(ch <-chan state.Snapshot) {
	c.store.Unsubscribe(ch)
}

// LoadTrack looks up trackID and loads it into deck id. It returns once the
// load is committed, failed, or superseded by a newer request on that deck.
// The deck is claimed before the lookup runs.
func (c *Console) LoadTrack(ctx context.Context, id models.DeckID, trackID string, principal models.Principal) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}

	err = d.LoadByID(ctx, trackID, func(ctx context.Context) (*models.Track, error) {
		return c.lookup(ctx, trackID, principal)
	}, principal)
	return d.State(), err
}

// lookup finds the track record. Local records win; remote metadata is
// consulted for principals with remote rights. When no record is found the
// resolver still gets a chance to serve the id from the cache.
func (c *Console) lookup(ctx context.Context, trackID string, principal models.Principal) (*models.Track, error) {
	if trackID == "" {
		return nil, apperr.NotFound("lookup", trackID, errors.New("empty track id"))
	}
	log := c.logger.WithField("track_id", trackID)

	if c.local != nil {
		track, found, err := c.local.Get(ctx, trackID)
		switch {
		case err != nil:
			log.WithError(err).Warn("Local library lookup failed")
		case found:
			return track, nil
		}
	}

	if c.catalog != nil && principal.CanUseRemote() {
		track, err := c.catalog.GetTrack(ctx, trackID, principal)
		switch {
		case err == nil:
			return track, nil
		case errors.Is(err, apperr.ErrTrackNotFound):
			return nil, err
		default:
			log.WithError(err).Warn("Catalog lookup failed, continuing with bare track")
		}
	}

	return &models.Track{ID: trackID, FileName: trackID}, nil
}

// Play starts or resumes deck id
func (c *Console) Play(id models.DeckID) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}
	return d.Play(), nil
}

// Pause pauses deck id
func (c *Console) Pause(id models.DeckID) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}
	return d.Pause(), nil
}

// SetVolume sets the volume of deck id
func (c *Console) SetVolume(id models.DeckID, v float64) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}
	return d.SetVolume(v), nil
}

// Seek moves the play head of deck id
func (c *Console) Seek(id models.DeckID, pos time.Duration) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}
	return d.Seek(pos), nil
}

// Unload empties deck id
func (c *Console) Unload(id models.DeckID) (models.DeckState, error) {
	d, err := c.Deck(id)
	if err != nil {
		return models.DeckState{}, err
	}
	return d.Unload(), nil
}

// SetCrossfade moves the crossfader
func (c *Console) SetCrossfade(v float64) models.CrossfadeState {
	return c.mixer.SetCrossfade(v)
}

// InvalidateTrack removes one track from the local cache
func (c *Console) InvalidateTrack(ctx context.Context, trackID string) error {
	return c.resolver.Invalidate(ctx, trackID)
}

// ClearCache removes every cached track
func (c *Console) ClearCache(ctx context.Context) error {
	if err := c.cache.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("Cleared track cache")
	return nil
}

// CacheStats summarizes the local cache
func (c *Console) CacheStats(ctx context.Context) (cache.Stats, error) {
	return c.cache.Stats(ctx)
}

// Run publishes deck positions on a fixed schedule until ctx is done
func (c *Console) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	c.logger.WithField("interval", c.refresh).Debug("Position refresh loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range c.decks {
				d.RefreshPosition()
			}
		}
	}
}

// Close unloads both decks
func (c *Console) Close() {
	for _, d := range c.decks {
		d.Unload()
	}
}
