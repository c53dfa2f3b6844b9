// Package state holds the canonical deck and crossfade values shared by the
// decks, the mixer and the UI.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"turntable/pkg/models"
)

// Snapshot is a consistent-enough copy of every field at one point in time.
// Version increases with every committed write.
type Snapshot struct {
	Decks     [2]models.DeckState   `json:"decks"`
	Crossfade models.CrossfadeState `json:"crossfade"`
	Version   uint64                `json:"version"`
}

// Deck returns the state of the given deck from the snapshot
func (s Snapshot) Deck(id models.DeckID) models.DeckState {
	return s.Decks[id]
}

// field is one independently serialized path of the store. Readers load the
// pointer without locking; writers serialize on mu.
type field[T any] struct {
	mu  sync.Mutex
	val atomic.Pointer[T]
}

func (f *field[T]) load() T {
	return *f.val.Load()
}

// Store is the single source of truth for both decks and the crossfader
type Store struct {
	decks     [2]field[models.DeckState]
	crossfade field[models.CrossfadeState]
	version   atomic.Uint64

	subMu       sync.RWMutex
	subscribers map[chan Snapshot]struct{}
	bufferSize  int

	// notifyMu orders deliveries so no listener receives an older snapshot
	// after a newer one
	notifyMu sync.Mutex
	lastSent uint64
}

// NewStore creates a store with both decks empty and the crossfader centred
func NewStore() *Store {
	s := &Store{
		subscribers: make(map[chan Snapshot]struct{}),
		bufferSize:  16,
	}
	for _, id := range models.Decks {
		initial := models.NewDeckState(id)
		s.decks[id].val.Store(&initial)
	}
	cf := models.CrossfadeState{Value: 0.5, UpdatedAt: time.Now()}
	s.crossfade.val.Store(&cf)
	return s
}

// Snapshot returns the latest committed values without blocking
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Decks:     [2]models.DeckState{s.decks[models.DeckA].load(), s.decks[models.DeckB].load()},
		Crossfade: s.crossfade.load(),
		Version:   s.version.Load(),
	}
}

// Deck returns the latest committed state of one deck
func (s *Store) Deck(id models.DeckID) models.DeckState {
	return s.decks[id].load()
}

// Crossfade returns the latest committed crossfader state
func (s *Store) Crossfade() models.CrossfadeState {
	return s.crossfade.load()
}

// Version returns the number of committed writes
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// UpdateDeck applies fn to a copy of the deck state and commits the result.
// Writes to one deck never wait on the other deck. Subscribers are notified
// after the commit.
func (s *Store) UpdateDeck(id models.DeckID, fn func(st *models.DeckState)) models.DeckState {
	f := &s.decks[id]

	f.mu.Lock()
	next := f.load()
	fn(&next)
	next.DeckID = id
	next.Volume = models.Clamp01(next.Volume)
	if next.Phase == nil {
		next.Phase = models.Empty{}
	}
	if next.PlayPosition < 0 {
		next.PlayPosition = 0
	}
	next.UpdatedAt = time.Now()
	f.val.Store(&next)
	s.version.Add(1)
	f.mu.Unlock()

	s.notify()
	return next
}

// SetCrossfade commits a clamped crossfader value
func (s *Store) SetCrossfade(value float64) models.CrossfadeState {
	f := &s.crossfade

	f.mu.Lock()
	next := models.CrossfadeState{Value: models.Clamp01(value), UpdatedAt: time.Now()}
	f.val.Store(&next)
	s.version.Add(1)
	f.mu.Unlock()

	s.notify()
	return next
}

// Subscribe adds a listener for committed changes. The channel always
// converges on the newest snapshot; intermediate ones may be coalesced.
func (s *Store) Subscribe() <-chan Snapshot {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan Snapshot, s.bufferSize)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (s *Store) Unsubscribe(ch <-chan Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for listener := range s.subscribers {
		if listener == ch {
			delete(s.subscribers, listener)
			close(listener)
			return
		}
	}
}

// SubscriberCount returns the number of active listeners
func (s *Store) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribers)
}

// notify sends the current snapshot to every subscriber. A full
// channel has its oldest snapshot dropped so the newest one always lands.
func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	snap := s.Snapshot()
	if snap.Version <= s.lastSent {
		return // a later notify already delivered this commit
	}
	s.lastSent = snap.Version

	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for listener := range s.subscribers {
		select {
		case listener <- snap:
			continue
		default:
		}
		// channel is full, drop the oldest pending snapshot
		select {
		case <-listener:
		default:
		}
		select {
		case listener <- snap:
		default:
		}
	}
}
