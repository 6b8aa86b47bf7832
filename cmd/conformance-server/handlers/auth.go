package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/internal/authflow"
)

// Auth validates an inbound authorization request. On success the caller
// receives the confirmation token to post back when the user approves; on
// failure it receives every field error at once.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	token, fieldErrors := h.flow.ValidateRequest(subject, r.URL.Query())
	if len(fieldErrors) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": fieldErrors,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authorization": token,
		"client_id":     r.URL.Query().Get("client_id"),
	})
}

// AuthConfirm is where the approval form posts the confirmation token. It
// redirects back to the client with the authorization code attached.
func (h *Handler) AuthConfirm(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}
	authorization := r.PostFormValue("authorization")
	if authorization == "" {
		http.Error(w, "Missing authorization", http.StatusBadRequest)
		return
	}

	redirect, err := h.flow.Confirm(authorization)
	if err != nil {
		http.Error(w, "Invalid authorization request", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Token exchanges an authorization code for an access token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	subject := h.subject(w, r)
	if subject == nil {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, &authflow.OAuthError{
			Code:        "invalid_request",
			Description: "The request body could not be parsed as a form",
		})
		return
	}

	grant, oauthErr, err := h.flow.Exchange(
		subject,
		r.PostFormValue("grant_type"),
		r.PostFormValue("code"),
		r.PostFormValue("client_id"),
		r.PostFormValue("redirect_uri"),
	)
	if err != nil {
		h.logger.Error("token exchange failed", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if oauthErr != nil {
		writeJSON(w, http.StatusBadRequest, oauthErr)
		return
	}

	writeJSON(w, http.StatusOK, grant)
}
