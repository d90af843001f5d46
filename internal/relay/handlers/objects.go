package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/whisper-chat/whisper/internal/relay/store"
	"github.com/whisper-chat/whisper/internal/relay/store/sqlstore"
)

// maxObjectSize bounds a single upload; the object store is a transient
// relay, not durable storage.
const maxObjectSize = 64 << 20

type ObjectHandler struct {
	Store store.Store
}

// Put stores the request body under the path. Duplicate paths are refused,
// keeping upload paths unique.
func (h *ObjectHandler) Put(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxObjectSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxObjectSize {
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.Store.PutObject(mux.Vars(r)["path"], data); err != nil {
		http.Error(w, "object already exists", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *ObjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	data, err := h.Store.GetObject(mux.Vars(r)["path"])
	if errors.Is(err, sqlstore.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (h *ObjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteObject(mux.Vars(r)["path"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
