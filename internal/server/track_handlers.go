package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

// handleGetTracks lists local tracks, fuzzy-filtered when q is set
func (cs *ConsoleServer) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	if cs.library == nil {
		cs.respondOK(w, []struct{}{})
		return
	}

	query := sanitizeInput(r.URL.Query().Get("q"))
	if verr := validateSearchQuery(query); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			cs.respondWithValidationError(w, r, ValidationError{
				Field:   "limit",
				Message: "Limit must be a non-negative integer",
				Code:    "INVALID_LIMIT",
			})
			return
		}
		limit = n
	}

	tracks, err := cs.library.Search(r.Context(), query, limit)
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving tracks", err)
		return
	}
	cs.respondOK(w, tracks)
}

// handleImportTrack stores an uploaded file as a device-local track
func (cs *ConsoleServer) handleImportTrack(w http.ResponseWriter, r *http.Request) {
	if cs.library == nil {
		cs.respondWithError(w, r, http.StatusServiceUnavailable, "Local library is not available", nil)
		return
	}

	maxSize := cs.config.Library.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1024*1024) // room for form overhead
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Failed to parse upload form", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "No file provided", err)
		return
	}
	defer file.Close()

	if verr := cs.validateUploadName(header.Filename); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if header.Size > maxSize {
		cs.respondWithError(w, r, http.StatusRequestEntityTooLarge, "File too large", nil)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Failed to read upload", err)
		return
	}

	principal := cs.authService.Principal(r)
	track, err := cs.library.Import(r.Context(), header.Filename, data, principal.ID)
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}

	cs.logger.WithFields(logrus.Fields{
		"track_id":  track.ID,
		"file_name": track.FileName,
		"size":      formatBytes(len(data)),
	}).Info("Track uploaded")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	cs.respondJSON(w, track)
}

// handleRemoveTrack deletes a local track and its cached bytes
func (cs *ConsoleServer) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	if cs.library == nil {
		cs.respondWithError(w, r, http.StatusServiceUnavailable, "Local library is not available", nil)
		return
	}
	trackID := r.PathValue("id")
	if verr := validateTrackID(trackID); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if err := cs.library.Remove(r.Context(), trackID); err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *ConsoleServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := cs.console.CacheStats(r.Context())
	if err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	cs.respondOK(w, stats)
}

// handleInvalidateTrack drops one track from the cache
func (cs *ConsoleServer) handleInvalidateTrack(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")
	if verr := validateTrackID(trackID); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if err := cs.console.InvalidateTrack(r.Context(), trackID); err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearCache is restricted to admins when auth is enabled
func (cs *ConsoleServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if cs.authService.IsEnabled() && !cs.authService.IsAdmin(r) {
		cs.respondWithError(w, r, http.StatusForbidden, "Admin access required", nil)
		return
	}
	if err := cs.console.ClearCache(r.Context()); err != nil {
		cs.respondWithConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
