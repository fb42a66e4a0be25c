package httpapi

import (
	"net/http"
	"strings"
	"time"

	"ekehi.network/internal/access"
)

type tokenRequest struct {
	User string `json:"user"`
	Role string `json:"role"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "auth_disabled", "token signing is not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		badRequest(w, r, "user is required")
		return
	}
	role := access.RoleUser
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := access.ParseRole(req.Role)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		role = parsed
	}

	token, expiresAt, err := a.signer.Issue(user, role, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "token generation failed")
		return
	}

	_ = a.audit.LogEvent(r.Context(), "auth.token.issued", user, map[string]string{
		"role":       role.String(),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
