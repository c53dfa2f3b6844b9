package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"turntable/internal/auth"
)

// handleAuthLogin handles login API requests
func (cs *ConsoleServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", nil)
		return
	}

	credentials.Username = sanitizeInput(credentials.Username)
	if credentials.Username == "" || credentials.Password == "" {
		cs.respondWithError(w, r, http.StatusBadRequest, "Username and password required", nil)
		return
	}

	session, err := cs.authService.Login(credentials.Username, credentials.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		cs.respondWithError(w, r, http.StatusNotFound, "Authentication is disabled", nil)
		return
	case err != nil:
		cs.logger.WithError(err).WithField("username", credentials.Username).Warn("Failed login attempt")
		cs.respondWithError(w, r, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	cs.authService.Sessions().SetSessionCookie(w, session)

	cs.logger.WithField("username", credentials.Username).Info("User logged in successfully")
	cs.respondOK(w, map[string]string{"status": "success"})
}

// handleAuthLogout ends the caller's session; the caller is a guest afterwards
func (cs *ConsoleServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if sessions := cs.authService.Sessions(); sessions != nil {
		if session, valid := sessions.GetSessionFromRequest(r); valid {
			cs.authService.Logout(session.ID)
			cs.logger.WithField("username", session.Username).Info("User logged out")
		}
		sessions.ClearSessionCookie(w)
	}

	cs.respondOK(w, map[string]string{"status": "success"})
}

// handleWhoAmI reports the principal behind the request
func (cs *ConsoleServer) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	principal := cs.authService.Principal(r)
	cs.respondOK(w, map[string]interface{}{
		"principal":    principal,
		"canUseRemote": principal.CanUseRemote(),
		"isAdmin":      cs.authService.IsAdmin(r),
		"authEnabled":  cs.authService.IsEnabled(),
	})
}
