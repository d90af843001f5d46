package engine

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/cryptobox"
	"github.com/whisper-chat/whisper/internal/models"
)

// ErrFileNotPending is returned when responding to an offer that was already
// accepted or rejected.
var ErrFileNotPending = errors.New("engine: file offer is not pending")

// OfferFile uploads data under a collision-free path owned by the sender and
// inserts the pending offer message. File bytes are sealed with the peer key
// when one is published, plaintext otherwise, mirroring the text fallback.
func (e *Engine) OfferFile(ctx context.Context, name string, data []byte) error {
	e.mu.Lock()
	peer := e.current
	if peer == uuid.Nil {
		e.mu.Unlock()
		return ErrNoActiveContact
	}
	key, haveKey := e.friendKeys[peer]
	self := e.selfID
	e.mu.Unlock()

	payload := data
	if haveKey {
		sealed, err := cryptobox.EncryptBytes(data, e.keys.Private(), key)
		if err != nil {
			e.recordError("encrypting file", err)
			return err
		}
		payload = sealed
	}

	path := self.String() + "/" + uuid.New().String() + "_" + name
	if err := e.backend.UploadObject(ctx, path, payload); err != nil {
		e.recordError("uploading file", err)
		return err
	}

	echoed, err := e.backend.InsertMessage(ctx, models.Message{
		SenderID:   self,
		ReceiverID: peer,
		Content:    "Sent a file: " + name,
		Type:       models.TypeFile,
		FilePath:   path,
		FileName:   name,
		FileSize:   int64(len(data)),
		FileStatus: models.FilePending,
	})
	if err != nil {
		e.recordError("sending file offer", err)
		// The orphaned blob is unreachable without a message row; reclaim it.
		if derr := e.backend.DeleteObject(ctx, path); derr != nil {
			log.Printf("engine: orphaned upload %s left behind: %v", path, derr)
		}
		return err
	}

	echoed.ClientStatus = models.ClientSent
	e.mu.Lock()
	if !e.upsertMessageLocked(echoed) {
		e.messages = append(e.messages, echoed)
	}
	e.mu.Unlock()
	return nil
}

// RespondToFile accepts or rejects a pending offer addressed to self. A
// rejection also deletes the uploaded blob, so the offer cannot be revived.
func (e *Engine) RespondToFile(ctx context.Context, id int64, accept bool) error {
	e.mu.Lock()
	var offer *models.Message
	for i := range e.messages {
		if e.messages[i].ID == id {
			offer = &e.messages[i]
			break
		}
	}
	if offer == nil || offer.Type != models.TypeFile {
		e.mu.Unlock()
		return errors.New("engine: no such file offer")
	}
	if offer.FileStatus != models.FilePending {
		e.mu.Unlock()
		return ErrFileNotPending
	}
	path := offer.FilePath
	e.mu.Unlock()

	status := models.FileAccepted
	if !accept {
		status = models.FileRejected
	}
	if _, err := e.backend.UpdateMessage(ctx, id, models.MessagePatch{FileStatus: &status}); err != nil {
		e.recordError("answering file offer", err)
		return err
	}

	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages[i].FileStatus = status
			break
		}
	}
	e.mu.Unlock()

	if !accept {
		if err := e.backend.DeleteObject(ctx, path); err != nil {
			log.Printf("engine: deleting rejected file %s: %v", path, err)
		}
	}
	return nil
}

// DownloadFile retrieves an accepted file and deletes the remote blob, making
// retrieval one-shot. The payload is unsealed with the sender's key when
// possible; an unsealed blob is returned verbatim.
func (e *Engine) DownloadFile(ctx context.Context, id int64) ([]byte, string, error) {
	e.mu.Lock()
	var offer *models.Message
	for i := range e.messages {
		if e.messages[i].ID == id {
			offer = &e.messages[i]
			break
		}
	}
	if offer == nil || offer.Type != models.TypeFile {
		e.mu.Unlock()
		return nil, "", errors.New("engine: no such file offer")
	}
	path, name := offer.FilePath, offer.FileName
	sender := offer.SenderID
	if sender == e.selfID {
		sender = offer.ReceiverID
	}
	key, haveKey := e.friendKeys[sender]
	e.mu.Unlock()

	data, err := e.backend.DownloadObject(ctx, path)
	if err != nil {
		e.recordError("downloading file", err)
		return nil, "", err
	}
	if err := e.backend.DeleteObject(ctx, path); err != nil {
		log.Printf("engine: deleting downloaded file %s: %v", path, err)
	}

	if haveKey {
		if plain, ok := cryptobox.DecryptBytes(data, e.keys.Private(), key); ok {
			return plain, name, nil
		}
	}
	return data, name, nil
}
