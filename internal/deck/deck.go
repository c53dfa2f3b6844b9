// Package deck implements one playback channel of the console: its
// lifecycle (empty, loading, ready, playing, paused), its position clock and
// the gain stage it feeds into the mixer bus.
package deck

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"turntable/internal/apperr"
	"turntable/internal/audio"
	"turntable/internal/mixer"
	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrSuperseded is returned by Load when a newer load or an unload on the
// same deck started before this one committed.
var ErrSuperseded = errors.New("load superseded by a newer request")

// Resolver yields the bytes of a track
type Resolver interface {
	Resolve(ctx context.Context, trackID string, principal models.Principal) ([]byte, error)
}

// Decoder turns track bytes into a seekable buffer
type Decoder interface {
	Decode(ctx context.Context, trackID string, data []byte) (*audio.Decoded, error)
}

// Bus is the mixer side a deck routes its output into
type Bus interface {
	Attach(id models.DeckID, src mixer.Source)
	Detach(id models.DeckID, src mixer.Source)
}

// Deck is one of the two playback channels
type Deck struct {
	id       models.DeckID
	resolver Resolver
	decoder  Decoder
	bus      Bus
	store    *state.Store
	logger   *logrus.Logger

	// mu serializes state transitions of this deck only
	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[node]
}

// New creates an empty deck
func New(id models.DeckID, resolver Resolver, decoder Decoder, bus Bus, store *state.Store, logger *logrus.Logger) *Deck {
	if logger == nil {
		logger = logrus.New()
	}
	return &Deck{
		id:       id,
		resolver: resolver,
		decoder:  decoder,
		bus:      bus,
		store:    store,
		logger:   logger,
	}
}

// ID returns the deck identifier
func (d *Deck) ID() models.DeckID {
	return d.id
}

// State returns the committed state of this deck
func (d *Deck) State() models.DeckState {
	return d.store.Deck(d.id)
}

func (d *Deck) log() *logrus.Entry {
	return d.logger.WithField("deck", d.id.String())
}

// Lookup finds the record of the track a load was issued for
type Lookup func(ctx context.Context) (*models.Track, error)

// Invalidator drops a cached track whose bytes turned out to be unplayable
type Invalidator interface {
	Invalidate(ctx context.Context, trackID string) error
}

// Load resolves, decodes and prepares track. It returns once the outcome is
// committed to the store. If another Load or Unload starts on this deck in
// the meantime, the result is discarded and ErrSuperseded is returned.
func (d *Deck) Load(ctx context.Context, track *models.Track, principal models.Principal) error {
	if track == nil || track.ID == "" {
		return apperr.NotFound("load", "", errors.New("no track given"))
	}
	return d.load(ctx, track, nil, principal)
}

// LoadByID claims the deck for trackID, then runs lookup and loads the track
// it returns. The claim comes first, so a load issued later always wins over
// one whose lookup is still running.
func (d *Deck) LoadByID(ctx context.Context, trackID string, lookup Lookup, principal models.Principal) error {
	if trackID == "" {
		return apperr.NotFound("load", "", errors.New("no track given"))
	}
	return d.load(ctx, &models.Track{ID: trackID, FileName: trackID}, lookup, principal)
}

func (d *Deck) load(ctx context.Context, track *models.Track, lookup Lookup, principal models.Principal) error {
	startTime := time.Now()
	log := d.log().WithField("track_id", track.ID)

	d.mu.Lock()
	d.generation++
	gen := d.generation
	d.detachLocked()
	d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.Phase = models.Loading{T: track}
		s.PlayPosition = 0
		s.Error = nil
	})
	d.mu.Unlock()

	log.Info("Loading track")

	track, decoded, err := d.prepare(ctx, gen, track, lookup, principal)

	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.generation {
		log.Debug("Discarding superseded load")
		return ErrSuperseded
	}

	if err != nil {
		deckErr := apperr.ToDeckError(track.ID, err)
		if errors.Is(err, context.Canceled) {
			deckErr = nil
		}
		d.store.UpdateDeck(d.id, func(s *models.DeckState) {
			s.Phase = models.Empty{}
			s.PlayPosition = 0
			s.Error = deckErr
		})
		log.WithError(err).Warn("Failed to load track")
		return err
	}

	loaded := *track
	if loaded.Duration <= 0 {
		loaded.Duration = decoded.Duration().Seconds()
	}
	if loaded.Title == "" {
		loaded.Title = decoded.Info.Title
	}
	if loaded.Artist == "" {
		loaded.Artist = decoded.Info.Artist
	}

	n := newNode(decoded, d.store.Deck(d.id).Volume)
	d.current.Store(n)
	d.bus.Attach(d.id, n)

	d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.Phase = models.Ready{T: &loaded}
		s.PlayPosition = 0
		s.Error = nil
	})

	log.WithFields(logrus.Fields{
		"duration":       decoded.Duration(),
		"processingTime": time.Since(startTime),
	}).Info("Track ready")
	return nil
}

// prepare runs the lookup, if any, then resolves and decodes. It returns the
// track record the load ended up with.
func (d *Deck) prepare(ctx context.Context, gen uint64, track *models.Track, lookup Lookup, principal models.Principal) (*models.Track, *audio.Decoded, error) {
	if lookup != nil {
		found, err := lookup(ctx)
		if err != nil {
			return track, nil, err
		}
		if found != nil {
			track = found
		}

		d.mu.Lock()
		current := gen == d.generation
		if current {
			d.store.UpdateDeck(d.id, func(s *models.DeckState) {
				s.Phase = models.Loading{T: track}
			})
		}
		d.mu.Unlock()
		if !current {
			return track, nil, ErrSuperseded
		}
	}

	data, err := d.resolver.Resolve(ctx, track.ID, principal)
	if err != nil {
		return track, nil, err
	}
	if err := ctx.Err(); err != nil {
		return track, nil, err
	}

	decoded, err := d.decoder.Decode(ctx, track.ID, data)
	if errors.Is(err, apperr.ErrDecode) {
		// unplayable bytes must not be served again
		if inv, ok := d.resolver.(Invalidator); ok {
			if invErr := inv.Invalidate(context.WithoutCancel(ctx), track.ID); invErr != nil {
				d.log().WithError(invErr).WithField("track_id", track.ID).Warn("Failed to drop unplayable track from cache")
			}
		}
	}
	return track, decoded, err
}

// Play starts or resumes playback. It does nothing unless the deck is Ready
// or Paused.
func (d *Deck) Play() models.DeckState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.store.Deck(d.id)
	n := d.current.Load()
	if n == nil {
		return st
	}

	switch p := st.Phase.(type) {
	case models.Ready:
		n.play()
		return d.store.UpdateDeck(d.id, func(s *models.DeckState) {
			s.Phase = models.Playing{T: p.T}
		})
	case models.Paused:
		n.play()
		return d.store.UpdateDeck(d.id, func(s *models.DeckState) {
			s.Phase = models.Playing{T: p.T}
			s.PlayPosition = n.Position()
		})
	}
	return st
}

// Pause halts playback and freezes the position. It does nothing unless the
// deck is Playing.
func (d *Deck) Pause() models.DeckState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.store.Deck(d.id)
	p, ok := st.Phase.(models.Playing)
	n := d.current.Load()
	if !ok || n == nil {
		return st
	}

	n.pause()
	return d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.Phase = models.Paused{T: p.T}
		s.PlayPosition = n.Position()
	})
}

// SetVolume clamps v into [0,1] and applies it without interrupting playback
func (d *Deck) SetVolume(v float64) models.DeckState {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol := models.Clamp01(v)
	if n := d.current.Load(); n != nil {
		n.setVolume(vol)
	}
	return d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.Volume = vol
	})
}

// Seek moves the play head, clamped into the track. It does nothing while
// the deck is Empty or Loading.
func (d *Deck) Seek(pos time.Duration) models.DeckState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.store.Deck(d.id)
	n := d.current.Load()
	if n == nil {
		return st
	}
	switch st.Phase.(type) {
	case models.Ready, models.Playing, models.Paused:
	default:
		return st
	}

	if pos < 0 {
		pos = 0
	}
	if total := n.Duration(); pos > total {
		pos = total
	}
	n.seek(n.frameAt(pos))

	return d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.PlayPosition = n.Position()
	})
}

// Unload detaches the output, cancels any load in flight and resets the
// deck to Empty. The volume is kept.
func (d *Deck) Unload() models.DeckState {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generation++
	d.detachLocked()
	st := d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.Phase = models.Empty{}
		s.PlayPosition = 0
		s.Error = nil
	})
	d.log().Info("Deck unloaded")
	return st
}

func (d *Deck) detachLocked() {
	if prev := d.current.Swap(nil); prev != nil {
		prev.pause()
		d.bus.Detach(d.id, prev)
	}
}

// PlayPosition returns the current play head. It advances while Playing and
// is frozen otherwise.
func (d *Deck) PlayPosition() time.Duration {
	if n := d.current.Load(); n != nil {
		return n.Position()
	}
	return d.store.Deck(d.id).PlayPosition
}

// RefreshPosition publishes the play head of a playing deck to the store. A
// track that ran out is moved to Paused at its end.
func (d *Deck) RefreshPosition() {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.current.Load()
	if n == nil {
		return
	}
	st := d.store.Deck(d.id)
	p, ok := st.Phase.(models.Playing)
	if !ok {
		return
	}

	pos := n.Position()
	if n.Ended() {
		d.store.UpdateDeck(d.id, func(s *models.DeckState) {
			s.Phase = models.Paused{T: p.T}
			s.PlayPosition = pos
		})
		d.log().WithField("track_id", p.T.ID).Info("Track finished")
		return
	}
	if pos == st.PlayPosition {
		return
	}
	d.store.UpdateDeck(d.id, func(s *models.DeckState) {
		s.PlayPosition = pos
	})
}
