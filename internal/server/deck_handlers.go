package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"turntable/internal/state"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
)

const sseHeartbeat = 15 * time.Second

type loadRequest struct {
	TrackID string `json:"trackId"`
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

type seekRequest struct {
	Position *float64 `json:"position"` // seconds
}

// deckFromPath validates the {deck} segment, writing a 400 on failure
func (cs *ConsoleServer) deckFromPath(w http.ResponseWriter, r *http.Request) (models.DeckID, bool) {
	id, verr := validateDeckID(r.PathValue("deck"))
	if verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON request body into v, writing a 400 on failure
func (cs *ConsoleServer) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", nil)
		return false
	}
	return true
}

// handleLoad loads a track into a deck and answers once the load settles
func (cs *ConsoleServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}

	var req loadRequest
	if !cs.decodeBody(w, r, &req) {
		return
	}
	req.TrackID = sanitizeInput(req.TrackID)
	if verr := validateTrackID(req.TrackID); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	principal := cs.authService.Principal(r)
	cs.logger.WithFields(logrus.Fields{
		"deck":      id,
		"track_id":  req.TrackID,
		"principal": principal.Class,
	}).Info("Load requested")

	st, err := cs.console.LoadTrack(r.Context(), id, req.TrackID, principal)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handlePlay(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}
	st, err := cs.console.Play(id)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}
	st, err := cs.console.Pause(id)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handleVolume(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}

	var req valueRequest
	if !cs.decodeBody(w, r, &req) {
		return
	}
	if verr := validateUnitValue("value", req.Value); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	st, err := cs.console.SetVolume(id, *req.Value)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handleSeek(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}

	var req seekRequest
	if !cs.decodeBody(w, r, &req) {
		return
	}
	if verr := validatePosition(req.Position); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	pos := time.Duration(*req.Position * float64(time.Second))
	st, err := cs.console.Seek(id, pos)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handleUnload(w http.ResponseWriter, r *http.Request) {
	id, ok := cs.deckFromPath(w, r)
	if !ok {
		return
	}
	st, err := cs.console.Unload(id)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, st)
}

func (cs *ConsoleServer) handleCrossfade(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !cs.decodeBody(w, r, &req) {
		return
	}
	if verr := validateUnitValue("value", req.Value); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	cs.respondOK(w, cs.console.SetCrossfade(*req.Value))
}

// handleGetState returns the latest committed snapshot
func (cs *ConsoleServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	cs.respondOK(w, cs.console.Snapshot())
}

// handleStateStream pushes every committed snapshot as a server-sent event.
// The current snapshot is sent first so clients never start blank.
func (cs *ConsoleServer) handleStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	updates := cs.console.Subscribe()
	defer cs.console.Unsubscribe(updates)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSnapshotEvent(w, cs.console.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSnapshotEvent(w, snap); err != nil {
				cs.logger.WithError(err).Debug("State stream client went away")
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeSnapshotEvent(w http.ResponseWriter, snap state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}
