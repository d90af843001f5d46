package store

import (
	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/models"
)

type Store interface {
	// Message operations
	InsertMessage(m *models.Message) error
	UpdateMessage(id int64, patch models.MessagePatch) (*models.Message, error)
	GetMessage(id int64) (*models.Message, error)
	Conversation(a, b uuid.UUID) ([]models.Message, error)
	MarkRead(sender, receiver uuid.UUID) (int64, error)
	UnreadSenders(receiver uuid.UUID) ([]uuid.UUID, error)
	PendingFileCount(receiver uuid.UUID) (int, error)

	// Profile operations
	UpsertProfile(p models.Profile) (*models.Profile, error)
	GetProfile(id uuid.UUID) (*models.Profile, error)
	GetProfiles(ids []uuid.UUID) ([]models.Profile, error)

	// Object storage
	PutObject(path string, data []byte) error
	GetObject(path string) ([]byte, error)
	DeleteObject(path string) error
}
