package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/cryptobox"
	"github.com/whisper-chat/whisper/internal/models"
)

// Contact validation failures surfaced by AddContact.
var (
	ErrInvalidContactID = errors.New("engine: invalid contact id")
	ErrSelfContact      = errors.New("engine: cannot add yourself as a contact")
	ErrDuplicateContact = errors.New("engine: contact already exists")
	ErrUnknownContact   = errors.New("engine: no such user")
)

// fetchMyProfile pulls the caller's own row to restore the username and
// presence chosen on another device.
func (e *Engine) fetchMyProfile(ctx context.Context) {
	p, err := e.backend.GetProfile(ctx, e.backend.UserID())
	if err != nil {
		log.Printf("engine: own profile fetch: %v", err)
		return
	}
	e.mu.Lock()
	if p.Username != nil {
		e.myUsername = *p.Username
	}
	if p.Status != nil {
		if s, ok := models.ParseStatus(*p.Status); ok {
			e.myStatus = s
		}
	}
	e.mu.Unlock()
}

// FetchFriendStatuses refreshes presence, keys and usernames for the whole
// contact list in one round trip.
func (e *Engine) FetchFriendStatuses(ctx context.Context) {
	e.mu.Lock()
	ids := make([]uuid.UUID, len(e.contactList))
	for i, c := range e.contactList {
		ids[i] = c.ID
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	profiles, err := e.backend.GetProfiles(ctx, ids)
	if err != nil {
		log.Printf("engine: friend statuses: %v", err)
		return
	}
	for _, p := range profiles {
		e.applyProfileChange(p)
	}
}

// applyProfileChange folds one profile row into local state: presence, the
// peer's published key, and the authoritative username. A changed key raises
// a key-changed alert so the user can re-verify the safety number.
func (e *Engine) applyProfileChange(p models.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.ID == e.selfID {
		if p.Username != nil {
			e.myUsername = *p.Username
		}
		return
	}

	if p.Status != nil {
		if s, ok := models.ParseStatus(*p.Status); ok {
			e.friendStatuses[p.ID] = s
		}
	}
	if p.PublicKey != nil && *p.PublicKey != "" {
		prev, had := e.friendKeys[p.ID]
		if !had || prev != *p.PublicKey {
			e.friendKeys[p.ID] = *p.PublicKey
			if had {
				e.emit(Notification{
					Kind:  NoteKeyChanged,
					Title: "Security code changed",
					Body:  e.contactName(p.ID) + " has a new encryption key",
					Peer:  p.ID,
				})
			}
		}
	}
	if p.Username != nil && *p.Username != "" {
		e.renameContactLocked(p.ID, *p.Username)
	}
}

// renameContactLocked syncs a contact's display name with the remote
// username; the profile row wins over the locally entered name.
func (e *Engine) renameContactLocked(id uuid.UUID, name string) {
	for i := range e.contactList {
		if e.contactList[i].ID == id && e.contactList[i].Name != name {
			e.contactList[i].Name = name
			if err := e.contacts.SaveContact(e.contactList[i]); err != nil {
				log.Printf("engine: persisting contact rename: %v", err)
			}
			return
		}
	}
}

// ChangeStatus publishes a new presence state.
func (e *Engine) ChangeStatus(ctx context.Context, status models.UserStatus) {
	e.mu.Lock()
	e.myStatus = status
	e.mu.Unlock()

	s := string(status)
	if _, err := e.backend.UpdateMyProfile(ctx, models.Profile{Status: &s}); err != nil {
		e.recordError("updating status", err)
	}
}

// UpdateName publishes a new username; local state changes only after the
// server accepts.
func (e *Engine) UpdateName(ctx context.Context, name string) error {
	if _, err := e.backend.UpdateMyProfile(ctx, models.Profile{Username: &name}); err != nil {
		e.recordError("updating name", err)
		return err
	}
	e.mu.Lock()
	e.myUsername = name
	e.mu.Unlock()
	return nil
}

// AddContact validates and adds a peer by their shared id. Checks run in
// order: id shape, self-add, duplicate, then existence against the backend.
func (e *Engine) AddContact(ctx context.Context, rawID, name string) (models.Contact, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return models.Contact{}, ErrInvalidContactID
	}

	e.mu.Lock()
	if id == e.selfID {
		e.mu.Unlock()
		return models.Contact{}, ErrSelfContact
	}
	for _, c := range e.contactList {
		if c.ID == id {
			e.mu.Unlock()
			return models.Contact{}, ErrDuplicateContact
		}
	}
	e.mu.Unlock()

	profile, err := e.backend.GetProfile(ctx, id)
	if err != nil {
		return models.Contact{}, ErrUnknownContact
	}

	contact := models.Contact{ID: id, Name: name}
	if profile.Username != nil && *profile.Username != "" {
		contact.Name = *profile.Username
	}
	if err := e.contacts.SaveContact(contact); err != nil {
		e.recordError("saving contact", err)
		return models.Contact{}, err
	}

	e.mu.Lock()
	e.contactList = append(e.contactList, contact)
	e.mu.Unlock()
	e.applyProfileChange(*profile)
	return contact, nil
}

// RemoveContact drops a peer from the local address book. Message history on
// the server is untouched.
func (e *Engine) RemoveContact(id uuid.UUID) error {
	if err := e.contacts.DeleteContact(id); err != nil {
		e.recordError("removing contact", err)
		return err
	}
	e.mu.Lock()
	for i, c := range e.contactList {
		if c.ID == id {
			e.contactList = append(e.contactList[:i], e.contactList[i+1:]...)
			break
		}
	}
	delete(e.friendStatuses, id)
	delete(e.friendKeys, id)
	delete(e.unread, id)
	if e.current == id {
		e.current = uuid.Nil
		e.messages = nil
	}
	e.mu.Unlock()
	return nil
}

// SafetyNumber renders the verification code for a contact, or an error when
// the peer has not published a key yet.
func (e *Engine) SafetyNumber(id uuid.UUID) (string, error) {
	e.mu.Lock()
	key, ok := e.friendKeys[id]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("engine: no published key for %s", id)
	}
	return cryptobox.SafetyNumber(e.keys.PublicKeyBase64(), key)
}
