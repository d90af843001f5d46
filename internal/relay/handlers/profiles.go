package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/relay/auth"
	"github.com/whisper-chat/whisper/internal/relay/hub"
	"github.com/whisper-chat/whisper/internal/relay/store"
	"github.com/whisper-chat/whisper/internal/relay/store/sqlstore"
)

type ProfileHandler struct {
	Store store.Store
	Hub   *hub.Hub
}

// Get returns one profile by id.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid profile id", http.StatusBadRequest)
		return
	}

	profile, err := h.Store.GetProfile(id)
	if errors.Is(err, sqlstore.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(profile)
}

// List returns the profiles named by ?ids=a,b,c.
func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		json.NewEncoder(w).Encode([]models.Profile{})
		return
	}

	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(part)
		if err != nil {
			http.Error(w, "invalid id "+part, http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	profiles, err := h.Store.GetProfiles(ids)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	json.NewEncoder(w).Encode(profiles)
}

// Upsert updates the caller's own profile: only fields present in the body
// are touched. The merged row is fanned out on the realtime channel.
func (h *ProfileHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid profile id", http.StatusBadRequest)
		return
	}
	if id != auth.UserID(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.ID = id
	if p.Status != nil {
		if _, ok := models.ParseStatus(*p.Status); !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
	}

	merged, err := h.Store.UpsertProfile(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Hub.Publish(models.StreamProfiles, models.EventUpdate, merged)
	json.NewEncoder(w).Encode(merged)
}
