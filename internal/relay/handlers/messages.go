package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/relay/auth"
	"github.com/whisper-chat/whisper/internal/relay/hub"
	"github.com/whisper-chat/whisper/internal/relay/store"
	"github.com/whisper-chat/whisper/internal/relay/store/sqlstore"
)

type MessageHandler struct {
	Store store.Store
	Hub   *hub.Hub
}

// Insert persists a new message and fans the committed row out on the
// realtime channel. The sender is always the authenticated user.
func (h *MessageHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.ID = 0
	m.SenderID = auth.UserID(r)
	if m.ReceiverID == uuid.Nil {
		http.Error(w, "receiver_id is required", http.StatusBadRequest)
		return
	}

	if err := h.Store.InsertMessage(&m); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Hub.Publish(models.StreamMessages, models.EventInsert, m)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// Update applies a partial update to one message row and fans out the result.
func (h *MessageHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	var patch models.MessagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := h.Store.GetMessage(id)
	if errors.Is(err, sqlstore.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	me := auth.UserID(r)
	if existing.SenderID != me && existing.ReceiverID != me {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	updated, err := h.Store.UpdateMessage(id, patch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Hub.Publish(models.StreamMessages, models.EventUpdate, updated)
	json.NewEncoder(w).Encode(updated)
}

// List returns the conversation between the caller and ?peer=, oldest first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	peer, err := uuid.Parse(r.URL.Query().Get("peer"))
	if err != nil {
		http.Error(w, "invalid peer", http.StatusBadRequest)
		return
	}

	messages, err := h.Store.Conversation(auth.UserID(r), peer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	json.NewEncoder(w).Encode(messages)
}

type markReadRequest struct {
	SenderID uuid.UUID `json:"sender_id"`
}

// MarkRead bulk-flips is_read on everything unread from sender to the caller.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.Store.MarkRead(req.SenderID, auth.UserID(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int64{"updated": n})
}

// Unread returns one element per unread row addressed to the caller.
func (h *MessageHandler) Unread(w http.ResponseWriter, r *http.Request) {
	senders, err := h.Store.UnreadSenders(auth.UserID(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type record struct {
		SenderID uuid.UUID `json:"sender_id"`
	}
	records := make([]record, len(senders))
	for i, s := range senders {
		records[i] = record{SenderID: s}
	}
	json.NewEncoder(w).Encode(records)
}

// PendingFiles returns the count of pending file offers addressed to the
// caller.
func (h *MessageHandler) PendingFiles(w http.ResponseWriter, r *http.Request) {
	count, err := h.Store.PendingFileCount(auth.UserID(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"count": count})
}
