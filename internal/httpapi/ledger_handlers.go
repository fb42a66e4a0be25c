package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ekehi.network/internal/access"
	"ekehi.network/internal/audit"
	"ekehi.network/internal/ledger"
	"ekehi.network/internal/obs"
	"ekehi.network/internal/proof"
	"ekehi.network/internal/stream"
)

type openAccountRequest struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type openAccountResponse struct {
	Account         ledger.Account     `json:"account"`
	Redemption      *ledger.Redemption `json:"redemption,omitempty"`
	RedemptionError *redemptionError   `json:"redemption_error,omitempty"`
}

// redemptionError reports a signup referral that could not be applied.
// The account itself is open; the code can be redeemed again later.
type redemptionError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

type accountResponse struct {
	ledger.Account
	CurrentRatePerHour decimal.Decimal `json:"current_rate_per_hour"`
}

type rateRequest struct {
	RatePerHour decimal.Decimal `json:"rate_per_hour"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type redeemRequest struct {
	RefereeID    string `json:"referee_id"`
	ReferralCode string `json:"referral_code"`
}

type authorizeRequest struct {
	CallerID        string `json:"caller_id"`
	ResourceOwnerID string `json:"resource_owner_id"`
	Permission      string `json:"permission"`
	Resource        string `json:"resource"`
}

// openAccount provisions an account. Only elevated callers may open accounts;
// a referral code in the request is redeemed right away.
func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.tokenCaller(w, r)
	if !ok {
		return
	}
	var req openAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		badRequest(w, r, "user_id is required")
		return
	}
	if !a.require(w, r, caller, "", access.ResourceAccount, access.PermAdmin) {
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

	acc, err := a.engine.OpenAccount(r.Context(), ledger.OpenRequest{UserID: userID, Role: role})
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := openAccountResponse{Account: acc}
	if code := strings.TrimSpace(req.ReferralCode); code != "" {
		red, err := a.engine.RedeemReferral(r.Context(), userID, code)
		if err != nil {
			_, errCode, msg, known := ledgerErrorCode(err)
			if !known {
				obs.Error("signup_redemption_failed", map[string]any{
					"user":  audit.Redact(userID),
					"error": err.Error(),
				})
			}
			resp.RedemptionError = &redemptionError{Code: errCode, Message: msg}
		} else {
			a.stream.Publish(stream.FromRedemption(red))
			resp.Redemption = &red
			if acc, err = a.engine.Account(r.Context(), userID); err == nil {
				resp.Account = acc
			}
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.anyCaller(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !a.require(w, r, caller, userID, access.ResourceAccount, access.PermRead) {
		return
	}
	acc, err := a.engine.Account(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:            acc,
		CurrentRatePerHour: ledger.ComputeTotalRate(acc),
	})
}

// claim requires a live session owned by the account. A successful claim
// also slides the session.
func (a *API) claim(w http.ResponseWriter, r *http.Request) {
	sess, caller, ok := a.sessionCaller(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if sess.UserID != userID {
		// Claims only ever credit the session owner, whatever the role.
		obs.ObserveDecision(false)
		if err := a.audit.LogDecision(r.Context(), caller.ID, string(access.ResourceMiningData), string(access.PermWrite), false); err != nil {
			obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "claim"})
		}
		handleError(w, r, access.ErrAccessDenied)
		return
	}
	if !a.require(w, r, caller, userID, access.ResourceMiningData, access.PermWrite) {
		return
	}

	res, err := a.engine.Claim(r.Context(), userID, a.engine.Now())
	if err != nil {
		handleError(w, r, err)
		return
	}
	// The claim is committed; extending the session is best-effort.
	if _, err := a.sessions.Extend(r.Context(), sess.ID); err != nil && !isSessionGone(err) {
		obs.Warn("session_extend_failed", map[string]any{
			"user":  audit.Redact(userID),
			"error": err.Error(),
		})
	}
	if res.CreditedAmount.IsPositive() {
		a.stream.Publish(stream.FromClaim(res))
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) listReferrals(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.anyCaller(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !a.require(w, r, caller, userID, access.ResourceReferrals, access.PermRead) {
		return
	}
	edges, err := a.engine.Referrals(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if edges == nil {
		edges = []ledger.ReferralEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"referrals": edges,
	})
}

func (a *API) setAutoMiningRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.tokenCaller(w, r)
	if !ok {
		return
	}
	if !a.require(w, r, caller, "", access.ResourceMiningData, access.PermAdmin) {
		return
	}
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	acc, err := a.engine.SetAutoMiningRate(r.Context(), chi.URLParam(r, "userID"), req.RatePerHour)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:            acc,
		CurrentRatePerHour: ledger.ComputeTotalRate(acc),
	})
}

// setRole changes the role and revokes the user's sessions so the new role
// takes effect on next login.
func (a *API) setRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.tokenCaller(w, r)
	if !ok {
		return
	}
	if !a.require(w, r, caller, "", access.ResourceAccount, access.PermAdmin) {
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	acc, err := a.engine.SetRole(r.Context(), userID, role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	revoked, err := a.sessions.InvalidateUser(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":          acc,
		"revoked_sessions": revoked,
	})
}

func (a *API) submitProof(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.anyCaller(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !a.gate.CanSubmitSocialTask(r.Context(), caller, userID) {
		handleError(w, r, access.ErrAccessDenied)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, proof.MaxSize+1))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	p, err := proof.Decode(raw)
	if err != nil {
		if errors.Is(err, proof.ErrMalformed) {
			handleError(w, r, err)
			return
		}
		writeError(w, r, http.StatusRequestEntityTooLarge, "proof_too_large", err.Error())
		return
	}
	fields := map[string]string{"kind": string(p.Kind())}
	switch v := p.(type) {
	case proof.Link:
		fields["platform"] = v.Platform
	case proof.Handle:
		fields["platform"] = v.Platform
	case proof.External:
		fields["platform"] = v.Platform
	}
	_ = a.audit.LogEvent(r.Context(), "social.proof.submit", userID, fields)

	body, err := proof.Encode(p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
}

func (a *API) redeemReferral(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.anyCaller(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	refereeID := strings.TrimSpace(req.RefereeID)
	if refereeID == "" {
		refereeID = caller.ID
	}
	if !a.require(w, r, caller, refereeID, access.ResourceReferrals, access.PermWrite) {
		return
	}
	red, err := a.engine.RedeemReferral(r.Context(), refereeID, req.ReferralCode)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.stream.Publish(stream.FromRedemption(red))
	writeJSON(w, http.StatusOK, red)
}

// authorize evaluates a decision on behalf of another service. The subject's
// role is read from its account; unknown subjects are guests.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.tokenCaller(w, r); !ok {
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perm, err := access.ParsePermission(req.Permission)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res := access.Resource(strings.ToLower(strings.TrimSpace(req.Resource)))
	if res == "" {
		badRequest(w, r, "resource is required")
		return
	}
	subject, err := a.engine.Caller(r.Context(), strings.TrimSpace(req.CallerID))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.gate.Authorize(r.Context(), subject, req.ResourceOwnerID, res, perm))
}
