// Package mixer maps the crossfader position to per-deck gains and sums the
// deck outputs into the master bus.
package mixer

import (
	"math"
	"sync"
	"sync/atomic"

	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/gopxl/beep/v2"
)

// Gains holds the crossfade multipliers of both decks. They are always
// published together.
type Gains struct {
	A float64
	B float64
}

// For returns the gain of the given deck
func (g Gains) For(id models.DeckID) float64 {
	if id == models.DeckB {
		return g.B
	}
	return g.A
}

// EqualPower returns the equal-power gains for a crossfader position:
// A = cos(v·π/2), B = sin(v·π/2), so A²+B² = 1 for every v.
func EqualPower(value float64) Gains {
	v := models.Clamp01(value)
	switch v {
	case 0:
		return Gains{A: 1, B: 0}
	case 1:
		return Gains{A: 0, B: 1}
	}
	// sin(x) is written as cos(π/2 - x) so the centre yields identical gains
	return Gains{
		A: math.Cos(v * math.Pi / 2),
		B: math.Cos((1 - v) * math.Pi / 2),
	}
}

// Source is a deck output node attached to the bus. Volume is read on every
// buffer so volume changes apply without re-attaching.
type Source interface {
	beep.Streamer
	Volume() float64
}

type slot struct {
	src Source
}

// Mixer owns the crossfade gains and the master bus. The bus side (Stream)
// takes no locks and performs no I/O.
type Mixer struct {
	store *state.Store

	mu    sync.Mutex // orders SetCrossfade calls
	gains atomic.Pointer[Gains]
	slots [2]atomic.Pointer[slot]

	// scratch is only touched by the goroutine calling Stream
	scratch [][2]float64
}

// New creates a mixer whose gains follow the store's crossfade value
func New(store *state.Store, bufferSize int) *Mixer {
	if bufferSize < 1 {
		bufferSize = 512
	}
	m := &Mixer{
		store:   store,
		scratch: make([][2]float64, bufferSize),
	}
	g := EqualPower(store.Crossfade().Value)
	m.gains.Store(&g)
	return m
}

// SetCrossfade clamps value, swaps both gains in one step and commits the
// crossfade state. It never fails.
func (m *Mixer) SetCrossfade(value float64) models.CrossfadeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := models.Clamp01(value)
	g := EqualPower(v)
	m.gains.Store(&g)
	return m.store.SetCrossfade(v)
}

// Gains returns the current pair of gains
func (m *Mixer) Gains() Gains {
	return *m.gains.Load()
}

// GainFor returns the current crossfade gain of one deck
func (m *Mixer) GainFor(id models.DeckID) float64 {
	return m.gains.Load().For(id)
}

// Amplitude returns the effective output amplitude of a deck at volume
func (m *Mixer) Amplitude(id models.DeckID, volume float64) float64 {
	return models.Clamp01(volume) * m.GainFor(id)
}

// Attach routes src into the bus slot of deck id, replacing whatever was
// there. The other slot is not touched.
func (m *Mixer) Attach(id models.DeckID, src Source) {
	m.slots[id].Store(&slot{src: src})
}

// Detach removes src from the slot of deck id. A slot that has since been
// given a different source is left alone.
func (m *Mixer) Detach(id models.DeckID, src Source) {
	for {
		cur := m.slots[id].Load()
		if cur == nil || cur.src != src {
			return
		}
		if m.slots[id].CompareAndSwap(cur, nil) {
			return
		}
	}
}

// Attached reports whether a source is routed into the slot of deck id
func (m *Mixer) Attached(id models.DeckID) bool {
	return m.slots[id].Load() != nil
}

// Stream renders the mixed output of both decks into samples. The bus never
// drains: with nothing attached it produces silence. Stream must not be
// called from more than one goroutine at a time.
func (m *Mixer) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
	if len(m.scratch) < len(samples) {
		m.scratch = make([][2]float64, len(samples))
	}

	g := m.gains.Load()
	for _, id := range models.Decks {
		sl := m.slots[id].Load()
		if sl == nil {
			continue
		}
		amp := models.Clamp01(sl.src.Volume()) * g.For(id)
		buf := m.scratch[:len(samples)]
		got, _ := sl.src.Stream(buf)
		if amp == 0 {
			continue
		}
		for i := 0; i < got; i++ {
			samples[i][0] += buf[i][0] * amp
			samples[i][1] += buf[i][1] * amp
		}
	}
	return len(samples), true
}

// Err always returns nil; the gain path never raises errors
func (m *Mixer) Err() error {
	return nil
}
