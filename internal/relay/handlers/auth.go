package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/relay/auth"
	"github.com/whisper-chat/whisper/internal/relay/store"
)

type AuthHandler struct {
	Store  store.Store
	Issuer *auth.TokenIssuer
}

type anonymousRequest struct {
	Token string `json:"token,omitempty"`
}

type anonymousResponse struct {
	Token  string    `json:"token"`
	UserID uuid.UUID `json:"user_id"`
}

// Anonymous signs in. A valid presented token resumes that identity; anything
// else, an expired token included, mints a fresh anonymous user instead of
// returning an error.
func (h *AuthHandler) Anonymous(w http.ResponseWriter, r *http.Request) {
	var req anonymousRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is fine
	}

	userID := uuid.Nil
	if req.Token != "" {
		if id, err := h.Issuer.Verify(req.Token); err == nil {
			userID = id
		}
	}
	if userID == uuid.Nil {
		userID = uuid.New()
	}

	// Make sure the profile row exists so realtime profile updates have a
	// target from the first moment.
	if _, err := h.Store.UpsertProfile(models.Profile{ID: userID}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	token, err := h.Issuer.Issue(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(anonymousResponse{Token: token, UserID: userID})
}
