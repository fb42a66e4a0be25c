package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ekehi.network/internal/access"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/ledger"
	"ekehi.network/internal/obs"
	"ekehi.network/internal/proof"
	"ekehi.network/internal/session"
)

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func writeTransient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	writeError(w, r, http.StatusServiceUnavailable, "storage_transient", "storage temporarily unavailable, retry")
}

// handleError maps any domain error onto a response.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access_denied", "access denied")
	case errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="ekehi"`)
		writeError(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, session.ErrSessionInvalid), errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrStorageTransient):
		handleSessionError(w, r, err)
	case errors.Is(err, proof.ErrMalformed):
		writeError(w, r, http.StatusBadRequest, "invalid_proof", err.Error())
	default:
		handleLedgerError(w, r, err)
	}
}

// ledgerErrorCode maps a ledger error onto its status, code and message.
// ok is false for errors with no public mapping.
func ledgerErrorCode(err error) (status int, code, msg string, ok bool) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", "account not found", true
	case errors.Is(err, ledger.ErrInvalidReferralCode):
		return http.StatusNotFound, "invalid_referral_code", "unknown referral code", true
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, "account_exists", "account already exists", true
	case errors.Is(err, ledger.ErrReferralCapExceeded):
		return http.StatusConflict, "referral_cap_exceeded", "referrer has reached the referral limit", true
	case errors.Is(err, ledger.ErrAlreadyReferred):
		return http.StatusConflict, "already_referred", "account already has a referrer", true
	case errors.Is(err, ledger.ErrSelfReferral):
		return http.StatusBadRequest, "self_referral", "cannot redeem your own referral code", true
	case errors.Is(err, ledger.ErrInvalidRate), errors.Is(err, ledger.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_request", err.Error(), true
	case errors.Is(err, ledger.ErrStorageTransient):
		return http.StatusServiceUnavailable, "storage_transient", "storage temporarily unavailable, retry", true
	}
	return http.StatusInternalServerError, "internal", "internal error", false
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, ok := ledgerErrorCode(err)
	switch {
	case status == http.StatusServiceUnavailable:
		writeTransient(w, r)
	case !ok:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeError(w, r, status, code, msg)
	default:
		writeError(w, r, status, code, msg)
	}
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, "session_expired", "session expired")
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, r, http.StatusUnauthorized, "session_invalid", "session invalid")
	case errors.Is(err, session.ErrStorageTransient):
		writeTransient(w, r)
	default:
		handleLedgerError(w, r, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, "invalid_request", msg)
}
