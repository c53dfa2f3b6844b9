package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"turntable/internal/apperr"
	"turntable/internal/audio"
	"turntable/internal/console"
	"turntable/internal/deck"
	"turntable/pkg/models"

	"github.com/sirupsen/logrus"
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondJSON writes v as the response body
func (cs *ConsoleServer) respondJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cs.logger.WithError(err).Warn("Failed to encode response")
	}
}

// respondOK sends v with a 200 status
func (cs *ConsoleServer) respondOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	cs.respondJSON(w, v)
}

// respondWithValidationError sends a structured validation error response
func (cs *ConsoleServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors ...ValidationError) {
	cs.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	cs.respondJSON(w, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (cs *ConsoleServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := cs.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	if err != nil {
		response["kind"] = errorKind(err)
	}

	cs.respondJSON(w, response)
}

// respondWithConsoleError maps an engine error onto an HTTP status
func (cs *ConsoleServer) respondWithConsoleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	cs.respondWithError(w, r, status, err.Error(), err)
}

// statusFor returns the HTTP status for an engine error
func statusFor(err error) int {
	switch {
	case errors.Is(err, console.ErrInvalidDeck):
		return http.StatusBadRequest
	case errors.Is(err, deck.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrTrackNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, console.ErrInvalidDeck):
		return "invalid_deck"
	case errors.Is(err, deck.ErrSuperseded):
		return "superseded"
	default:
		return string(apperr.KindOf(err))
	}
}

// validateDeckID parses the {deck} path segment
func validateDeckID(raw string) (models.DeckID, *ValidationError) {
	if raw == "" {
		return 0, &ValidationError{
			Field:   "deck",
			Message: "Deck is required",
			Code:    "MISSING_DECK",
		}
	}
	id, err := models.ParseDeckID(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "deck",
			Message: "Deck must be a or b",
			Code:    "INVALID_DECK",
		}
	}
	return id, nil
}

// validateTrackID checks a track id supplied by the client
func validateTrackID(trackID string) *ValidationError {
	if trackID == "" {
		return &ValidationError{
			Field:   "trackId",
			Message: "Track ID is required",
			Code:    "MISSING_TRACK_ID",
		}
	}
	if len(trackID) > 256 {
		return &ValidationError{
			Field:   "trackId",
			Message: "Track ID too long (max 256 characters)",
			Code:    "TRACK_ID_TOO_LONG",
		}
	}
	if !utf8.ValidString(trackID) || strings.ContainsAny(trackID, "\x00/\\") {
		return &ValidationError{
			Field:   "trackId",
			Message: "Track ID contains invalid characters",
			Code:    "INVALID_TRACK_ID_CHARACTERS",
		}
	}
	return nil
}

// validateUnitValue checks a volume or crossfade value. Out of range values
// are clamped by the engine; only non-numbers are rejected here.
func validateUnitValue(field string, v *float64) *ValidationError {
	if v == nil {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s is required", field),
			Code:    "MISSING_VALUE",
		}
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s must be a finite number", field),
			Code:    "INVALID_VALUE",
		}
	}
	return nil
}

// validatePosition checks a seek position in seconds
func validatePosition(v *float64) *ValidationError {
	if err := validateUnitValue("position", v); err != nil {
		return err
	}
	if *v < 0 {
		return &ValidationError{
			Field:   "position",
			Message: "Position cannot be negative",
			Code:    "NEGATIVE_POSITION",
		}
	}
	return nil
}

// validateSearchQuery validates search query parameters
func validateSearchQuery(query string) *ValidationError {
	if len(query) > 1000 {
		return &ValidationError{
			Field:   "q",
			Message: "Search query too long (max 1000 characters)",
			Code:    "SEARCH_QUERY_TOO_LONG",
		}
	}

	if strings.Contains(query, "\x00") {
		return &ValidationError{
			Field:   "q",
			Message: "Search query contains invalid characters",
			Code:    "INVALID_SEARCH_CHARACTERS",
		}
	}

	return nil
}

// validateUploadName checks the name of an uploaded audio file
func (cs *ConsoleServer) validateUploadName(fileName string) *ValidationError {
	base := filepath.Base(fileName)
	if base == "." || base == "/" || base == "" {
		return &ValidationError{
			Field:   "file",
			Message: "File name is required",
			Code:    "MISSING_FILE_NAME",
		}
	}

	if !audio.IsAudioFile(base, cs.config.Audio.SupportedFormats) {
		return &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("Unsupported file type: %s", strings.ToLower(filepath.Ext(base))),
			Code:    "UNSUPPORTED_FILE_TYPE",
		}
	}

	return nil
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
