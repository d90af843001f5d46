package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/cryptobox"
	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/realtime"
)

// ErrNoActiveContact is returned by conversation-scoped operations when no
// conversation is selected.
var ErrNoActiveContact = errors.New("engine: no active contact selected")

// SetActiveContact switches the active conversation: the message list is
// replaced with the fetched history (decrypted on arrival) and everything
// unread from that peer is marked read. uuid.Nil deselects.
func (e *Engine) SetActiveContact(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	e.current = id
	e.messages = nil
	if e.typingPeer != uuid.Nil {
		e.clearTypingLocked()
	}
	e.mu.Unlock()

	if id == uuid.Nil {
		return nil
	}
	if err := e.fetchMessages(ctx, id); err != nil {
		return err
	}
	e.MarkConversationRead(ctx, id)
	return nil
}

func (e *Engine) fetchMessages(ctx context.Context, peer uuid.UUID) error {
	rows, err := e.backend.Conversation(ctx, peer)
	if err != nil {
		e.recordError("loading messages", err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != peer {
		// The user switched away while the fetch was in flight.
		return nil
	}
	e.messages = make([]models.Message, 0, len(rows))
	for _, row := range rows {
		e.messages = append(e.messages, e.decryptLocked(row))
	}
	return nil
}

// decryptLocked recovers the plaintext of a text message using the sender's
// (or for own messages the receiver's) published key. Failure is soft: the
// stored content is kept verbatim and Decrypted stays false, which covers
// plaintext sent before keys were exchanged.
func (e *Engine) decryptLocked(m models.Message) models.Message {
	if m.Type != models.TypeText || m.Content == "" {
		return m
	}
	peer := m.SenderID
	if peer == e.selfID {
		peer = m.ReceiverID
	}
	key, ok := e.friendKeys[peer]
	if !ok {
		return m
	}
	if plain, ok := cryptobox.Decrypt(m.Content, e.keys.Private(), key); ok {
		m.Content = plain
		m.Decrypted = true
	}
	return m
}

// SendMessage encrypts text for the active contact and inserts it. An
// optimistic placeholder appears in the list immediately; the server echo
// replaces it with the authoritative row. The returned bool reports whether
// the message went out encrypted; without a peer key it falls back to
// plaintext rather than blocking the conversation.
func (e *Engine) SendMessage(ctx context.Context, text string) (bool, error) {
	e.mu.Lock()
	peer := e.current
	if peer == uuid.Nil {
		e.mu.Unlock()
		return false, ErrNoActiveContact
	}
	key, haveKey := e.friendKeys[peer]
	self := e.selfID
	e.mu.Unlock()

	content := text
	secure := false
	if haveKey {
		sealed, err := cryptobox.Encrypt(text, e.keys.Private(), key)
		if err != nil {
			e.recordError("encrypting message", err)
			return false, err
		}
		content = sealed
		secure = true
	} else {
		log.Printf("engine: no public key for %s, sending plaintext", peer)
	}

	now := time.Now().UTC()
	placeholder := models.Message{
		SenderID:     self,
		ReceiverID:   peer,
		Content:      text,
		CreatedAt:    &now,
		Type:         models.TypeText,
		ClientStatus: models.ClientSending,
		Decrypted:    secure,
	}
	e.mu.Lock()
	e.messages = append(e.messages, placeholder)
	e.mu.Unlock()

	echoed, err := e.backend.InsertMessage(ctx, models.Message{
		SenderID:   self,
		ReceiverID: peer,
		Content:    content,
		Type:       models.TypeText,
	})
	if err != nil {
		e.recordError("sending message", err)
		e.mu.Lock()
		for i := len(e.messages) - 1; i >= 0; i-- {
			if e.messages[i].ID == 0 && e.messages[i].ClientStatus == models.ClientSending {
				e.messages[i].ClientStatus = models.ClientError
				break
			}
		}
		e.mu.Unlock()
		return secure, err
	}

	echoed.Content = text
	echoed.Decrypted = secure
	echoed.ClientStatus = models.ClientSent
	e.mu.Lock()
	if !e.upsertMessageLocked(echoed) {
		e.messages = append(e.messages, echoed)
	}
	e.mu.Unlock()
	return secure, nil
}

// EditMessage rewrites a sent message. The new content is sealed the same way
// as a fresh send; local state changes only after the server accepts.
func (e *Engine) EditMessage(ctx context.Context, id int64, newContent string) error {
	e.mu.Lock()
	peer := e.current
	if peer == uuid.Nil {
		e.mu.Unlock()
		return ErrNoActiveContact
	}
	key, haveKey := e.friendKeys[peer]
	e.mu.Unlock()

	content := newContent
	secure := false
	if haveKey {
		sealed, err := cryptobox.Encrypt(newContent, e.keys.Private(), key)
		if err != nil {
			e.recordError("encrypting edit", err)
			return err
		}
		content = sealed
		secure = true
	}

	editedAt := time.Now().UTC()
	if _, err := e.backend.UpdateMessage(ctx, id, models.MessagePatch{Content: &content, EditedAt: &editedAt}); err != nil {
		e.recordError("editing message", err)
		return err
	}

	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages[i].Content = newContent
			e.messages[i].EditedAt = &editedAt
			e.messages[i].Decrypted = secure
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// DeleteMessage tombstones a message; the row survives so both sides render
// the deletion.
func (e *Engine) DeleteMessage(ctx context.Context, id int64) error {
	deleted := true
	if _, err := e.backend.UpdateMessage(ctx, id, models.MessagePatch{IsDeleted: &deleted}); err != nil {
		e.recordError("deleting message", err)
		return err
	}
	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages[i].IsDeleted = true
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// MarkConversationRead clears the unread counter for peer and marks the rows
// read server-side. The counter reset is unconditional; a failed server write
// self-heals on the next resync.
func (e *Engine) MarkConversationRead(ctx context.Context, peer uuid.UUID) {
	if err := e.backend.MarkRead(ctx, peer); err != nil {
		log.Printf("engine: mark read: %v", err)
	}
	e.mu.Lock()
	e.unread[peer] = 0
	e.mu.Unlock()
}

// fetchUnreadCounts rebuilds the per-sender unread counters from the backend.
func (e *Engine) fetchUnreadCounts(ctx context.Context) {
	senders, err := e.backend.UnreadSenders(ctx)
	if err != nil {
		log.Printf("engine: unread counts: %v", err)
		return
	}
	counts := make(map[uuid.UUID]int, len(senders))
	for _, s := range senders {
		counts[s]++
	}
	e.mu.Lock()
	e.unread = counts
	e.mu.Unlock()
}

// applyMessageChange is the single entry point for realtime message events.
// Processing is idempotent: a row already known by id is replaced in place, so
// replays and the insert-response/echo race are harmless.
func (e *Engine) applyMessageChange(change realtime.MessageChange) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := change.Message
	if m.SenderID != e.selfID && m.ReceiverID != e.selfID {
		return
	}
	m = e.decryptLocked(m)

	if e.upsertMessageLocked(m) {
		return
	}
	if change.Event != models.EventInsert {
		// An update for a row outside the loaded conversation; counters are
		// authoritative server-side and refresh on the next resync.
		return
	}

	incoming := m.SenderID != e.selfID
	inActive := e.current != uuid.Nil && (m.SenderID == e.current || m.ReceiverID == e.current)

	if inActive {
		m.ClientStatus = models.ClientSent
		e.messages = append(e.messages, m)
		if incoming {
			if m.SenderID == e.typingPeer {
				e.clearTypingLocked()
			}
			go e.MarkConversationRead(context.Background(), m.SenderID)
		}
		return
	}

	if incoming && !m.IsRead {
		e.unread[m.SenderID]++
		// Title is the sender, body the (recovered) content; file offers
		// announce the file name instead.
		name := e.contactName(m.SenderID)
		if m.Type == models.TypeFile && m.FileStatus == models.FilePending {
			e.emit(Notification{
				Kind:  NoteIncomingFile,
				Title: name,
				Body:  "Sent a file: " + m.FileName,
				Peer:  m.SenderID,
			})
		} else {
			e.emit(Notification{
				Kind:  NoteUnread,
				Title: name,
				Body:  m.Content,
				Peer:  m.SenderID,
			})
		}
	}
}

// upsertMessageLocked replaces a known row in place, preserving recovered
// plaintext when the wire copy is still sealed. It also reconciles the
// optimistic placeholder of an own send with its echo. Returns true if an
// existing entry was updated.
func (e *Engine) upsertMessageLocked(m models.Message) bool {
	for i := range e.messages {
		if m.ID != 0 && e.messages[i].ID == m.ID {
			if e.messages[i].Decrypted && !m.Decrypted && !edited(e.messages[i], m) {
				m.Content = e.messages[i].Content
				m.Decrypted = true
			}
			if m.ClientStatus == "" {
				m.ClientStatus = models.ClientSent
			}
			e.messages[i] = m
			return true
		}
		// Placeholders hold the typed plaintext; every echo path arrives with
		// the same plaintext (the insert response is rewritten before upsert,
		// the realtime copy is decrypted on arrival), so content equality keeps
		// two in-flight sends to one peer from cross-reconciling.
		if e.messages[i].ID == 0 &&
			e.messages[i].SenderID == m.SenderID &&
			e.messages[i].ReceiverID == m.ReceiverID &&
			e.messages[i].Content == m.Content &&
			e.messages[i].ClientStatus == models.ClientSending {
			keep := e.messages[i]
			if !m.Decrypted {
				m.Content = keep.Content
				m.Decrypted = keep.Decrypted
			}
			m.ClientStatus = models.ClientSent
			e.messages[i] = m
			return true
		}
	}
	return false
}

// edited reports whether remote is a newer revision of local, in which case
// the locally cached plaintext is stale.
func edited(local, remote models.Message) bool {
	if remote.EditedAt == nil {
		return false
	}
	return local.EditedAt == nil || remote.EditedAt.After(*local.EditedAt)
}
