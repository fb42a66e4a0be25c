package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ekehi.network/internal/access"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/session"
)

const (
	authHeader    = "Authorization"
	sessionHeader = "X-Session-Id"
)

// authenticate resolves a bearer token into a caller. Requests without a
// token pass through; a bad token is rejected here.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(authHeader))
		if header == "" || a.signer == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			handleError(w, r, auth.ErrInvalidToken)
			return
		}
		claims, err := a.signer.Parse(token)
		if err != nil {
			handleError(w, r, err)
			return
		}
		caller, err := claims.Caller()
		if err != nil {
			handleError(w, r, auth.ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithCaller(r.Context(), caller)))
	})
}

var errUnauthenticated = errors.New("authentication required")

// tokenCaller returns the caller authenticated by bearer token.
func (a *API) tokenCaller(w http.ResponseWriter, r *http.Request) (access.Caller, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ekehi"`)
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", errUnauthenticated.Error())
		return access.Caller{}, false
	}
	return caller, true
}

// sessionCaller validates X-Session-Id and returns the session and its
// owner as a caller. The caller's role comes from the account.
func (a *API) sessionCaller(w http.ResponseWriter, r *http.Request) (session.Session, access.Caller, bool) {
	id := strings.TrimSpace(r.Header.Get(sessionHeader))
	if id == "" {
		writeError(w, r, http.StatusUnauthorized, "session_invalid", "session header is required")
		return session.Session{}, access.Caller{}, false
	}
	s, err := a.sessions.Validate(r.Context(), id)
	if err != nil {
		handleSessionError(w, r, err)
		return session.Session{}, access.Caller{}, false
	}
	caller, err := a.engine.Caller(r.Context(), s.UserID)
	if err != nil {
		handleError(w, r, err)
		return session.Session{}, access.Caller{}, false
	}
	return s, caller, true
}

// anyCaller accepts a bearer token, falling back to a session.
func (a *API) anyCaller(w http.ResponseWriter, r *http.Request) (access.Caller, bool) {
	if caller, ok := auth.CallerFromContext(r.Context()); ok {
		return caller, true
	}
	if r.Header.Get(sessionHeader) != "" {
		_, caller, ok := a.sessionCaller(w, r)
		return caller, ok
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="ekehi"`)
	writeError(w, r, http.StatusUnauthorized, "unauthenticated", errUnauthenticated.Error())
	return access.Caller{}, false
}

// require runs the gate and writes 403 on refusal.
func (a *API) require(w http.ResponseWriter, r *http.Request, caller access.Caller, ownerID string, res access.Resource, perm access.Permission) bool {
	if err := a.gate.Require(r.Context(), caller, ownerID, res, perm); err != nil {
		handleError(w, r, err)
		return false
	}
	return true
}
