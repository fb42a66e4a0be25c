package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ekehi.network/internal/access"
	"ekehi.network/internal/session"
)

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func isSessionGone(err error) bool {
	return errors.Is(err, session.ErrSessionInvalid) || errors.Is(err, session.ErrSessionExpired)
}

// createSession logs a token holder in. The account must exist.
func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.tokenCaller(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, err.Error())
			return
		}
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = caller.ID
	}
	if !a.require(w, r, caller, userID, access.ResourceSession, access.PermWrite) {
		return
	}
	if _, err := a.engine.Account(r.Context(), userID); err != nil {
		handleError(w, r, err)
		return
	}
	s, err := a.sessions.Create(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) currentSession(w http.ResponseWriter, r *http.Request) {
	s, _, ok := a.sessionCaller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) extendSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Extend(r.Context(), r.Header.Get(sessionHeader))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// regenerateSession rotates the session id, for use after privilege changes.
func (a *API) regenerateSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Regenerate(r.Context(), r.Header.Get(sessionHeader))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// invalidateSession is a logout; repeating it is not an error.
func (a *API) invalidateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(sessionHeader))
	if id != "" {
		if err := a.sessions.Invalidate(r.Context(), id); err != nil {
			handleSessionError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.anyCaller(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !a.require(w, r, caller, userID, access.ResourceSession, access.PermDelete) {
		return
	}
	n, err := a.sessions.InvalidateUser(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"revoked": n,
	})
}
