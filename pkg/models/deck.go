package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeckID identifies one of the two decks
type DeckID int

const (
	DeckA DeckID = iota
	DeckB
)

// Decks lists every deck in slot order
var Decks = [...]DeckID{DeckA, DeckB}

func (d DeckID) String() string {
	switch d {
	case DeckA:
		return "a"
	case DeckB:
		return "b"
	default:
		return fmt.Sprintf("deck(%d)", int(d))
	}
}

// Valid reports whether d names an existing deck
func (d DeckID) Valid() bool {
	return d == DeckA || d == DeckB
}

// ParseDeckID parses "a"/"b" (case-insensitive)
func ParseDeckID(s string) (DeckID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return DeckA, nil
	case "b":
		return DeckB, nil
	}
	return 0, fmt.Errorf("invalid deck identifier: %q", s)
}

func (d DeckID) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DeckID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseDeckID(s)
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// Status is the tag of a deck phase
type Status string

const (
	StatusEmpty   Status = "empty"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// Phase is the lifecycle variant of a deck. Only the types in this file
// implement it; every variant except Empty carries the track it refers to.
type Phase interface {
	Status() Status
	Track() *Track
	phase()
}

type (
	// Empty means no track is assigned to the deck
	Empty struct{}
	// Loading means the track is being resolved and decoded
	Loading struct{ T *Track }
	// Ready means the track is decoded and positioned, not playing
	Ready struct{ T *Track }
	// Playing means the deck output is advancing
	Playing struct{ T *Track }
	// Paused means playback is halted with the position kept
	Paused struct{ T *Track }
)

func (Empty) Status() Status   { return StatusEmpty }
func (Loading) Status() Status { return StatusLoading }
func (Ready) Status() Status   { return StatusReady }
func (Playing) Status() Status { return StatusPlaying }
func (Paused) Status() Status  { return StatusPaused }

func (Empty) Track() *Track     { return nil }
func (p Loading) Track() *Track { return p.T }
func (p Ready) Track() *Track   { return p.T }
func (p Playing) Track() *Track { return p.T }
func (p Paused) Track() *Track  { return p.T }

func (Empty) phase()   {}
func (Loading) phase() {}
func (Ready) phase()   {}
func (Playing) phase() {}
func (Paused) phase()  {}

// ErrorKind classifies a deck error for the UI
type ErrorKind string

const (
	ErrorNetwork  ErrorKind = "network"
	ErrorStorage  ErrorKind = "storage"
	ErrorNotFound ErrorKind = "not_found"
	ErrorDecode   ErrorKind = "decode"
	ErrorInternal ErrorKind = "internal"
)

// DeckError is the last error surfaced by a deck operation
type DeckError struct {
	Kind    ErrorKind `json:"kind"`
	TrackID string    `json:"trackId,omitempty"`
	Message string    `json:"message"`
}

// DeckState is the committed view of one deck
type DeckState struct {
	DeckID       DeckID
	Phase        Phase
	PlayPosition time.Duration
	Volume       float64
	Error        *DeckError
	UpdatedAt    time.Time
}

// NewDeckState returns the initial state of a deck
func NewDeckState(id DeckID) DeckState {
	return DeckState{
		DeckID:    id,
		Phase:     Empty{},
		Volume:    1.0,
		UpdatedAt: time.Now(),
	}
}

// Status returns the phase tag, treating a nil phase as Empty
func (s DeckState) Status() Status {
	if s.Phase == nil {
		return StatusEmpty
	}
	return s.Phase.Status()
}

// CurrentTrack returns the track the deck refers to, if any
func (s DeckState) CurrentTrack() *Track {
	if s.Phase == nil {
		return nil
	}
	return s.Phase.Track()
}

// IsPlaying reports whether the deck is in the Playing phase
func (s DeckState) IsPlaying() bool {
	return s.Status() == StatusPlaying
}

type deckStateJSON struct {
	DeckID       DeckID     `json:"deckId"`
	Status       Status     `json:"status"`
	Track        *Track     `json:"currentTrack"`
	PlayPosition float64    `json:"playPosition"` // in seconds
	Volume       float64    `json:"volume"`
	IsPlaying    bool       `json:"isPlaying"`
	Error        *DeckError `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (s DeckState) MarshalJSON() ([]byte, error) {
	return json.Marshal(deckStateJSON{
		DeckID:       s.DeckID,
		Status:       s.Status(),
		Track:        s.CurrentTrack(),
		PlayPosition: s.PlayPosition.Seconds(),
		Volume:       s.Volume,
		IsPlaying:    s.IsPlaying(),
		Error:        s.Error,
		UpdatedAt:    s.UpdatedAt,
	})
}

// CrossfadeState is the committed crossfader position
type CrossfadeState struct {
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}
