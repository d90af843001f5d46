package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/whisper-chat/whisper/internal/models"
)

// ErrNotFound is returned for lookups of rows and objects that do not exist.
var ErrNotFound = errors.New("sqlstore: not found")

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		edited_at DATETIME,
		type TEXT NOT NULL DEFAULT 'text',
		file_path TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		file_status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS objects (
		path TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
	}

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

const messageColumns = "id, sender_id, receiver_id, content, created_at, is_read, is_deleted, edited_at, type, file_path, file_name, file_size, file_status"

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var sender, receiver string
	var editedAt sql.NullTime
	var createdAt time.Time
	err := row.Scan(&m.ID, &sender, &receiver, &m.Content, &createdAt, &m.IsRead,
		&m.IsDeleted, &editedAt, &m.Type, &m.FilePath, &m.FileName, &m.FileSize, &m.FileStatus)
	if err != nil {
		return nil, err
	}
	m.SenderID, err = uuid.Parse(sender)
	if err != nil {
		return nil, err
	}
	m.ReceiverID, err = uuid.Parse(receiver)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = &createdAt
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return &m, nil
}

// InsertMessage persists m, assigning its ID and CreatedAt.
func (s *SQLStore) InsertMessage(m *models.Message) error {
	now := time.Now().UTC()
	m.CreatedAt = &now
	if m.Type == "" {
		m.Type = models.TypeText
	}

	query := s.rebind(`INSERT INTO messages
		(sender_id, receiver_id, content, created_at, is_read, is_deleted, type, file_path, file_name, file_size, file_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.db.QueryRow(query,
		m.SenderID.String(), m.ReceiverID.String(), m.Content, now, m.IsRead,
		m.IsDeleted, m.Type, m.FilePath, m.FileName, m.FileSize, m.FileStatus,
	).Scan(&m.ID)
}

func (s *SQLStore) GetMessage(id int64) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	m, err := scanMessage(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateMessage applies patch in place and returns the updated row.
func (s *SQLStore) UpdateMessage(id int64, patch models.MessagePatch) (*models.Message, error) {
	var sets []string
	var args []any
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.EditedAt != nil {
		sets = append(sets, "edited_at = ?")
		args = append(args, patch.EditedAt.UTC())
	}
	if patch.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, *patch.IsDeleted)
	}
	if patch.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, *patch.IsRead)
	}
	if patch.FileStatus != nil {
		sets = append(sets, "file_status = ?")
		args = append(args, *patch.FileStatus)
	}
	if len(sets) == 0 {
		return s.GetMessage(id)
	}

	args = append(args, id)
	query := s.rebind("UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(id)
}

// Conversation returns all messages between a and b, oldest first.
func (s *SQLStore) Conversation(a, b uuid.UUID) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.db.Query(query, a.String(), b.String(), b.String(), a.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MarkRead flips is_read on every unread row sender->receiver and reports how
// many rows changed.
func (s *SQLStore) MarkRead(sender, receiver uuid.UUID) (int64, error) {
	query := s.rebind("UPDATE messages SET is_read = TRUE WHERE sender_id = ? AND receiver_id = ? AND is_read = FALSE")
	result, err := s.db.Exec(query, sender.String(), receiver.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UnreadSenders returns one element per unread row addressed to receiver, so
// the caller can group into per-peer counters.
func (s *SQLStore) UnreadSenders(receiver uuid.UUID) ([]uuid.UUID, error) {
	query := s.rebind("SELECT sender_id FROM messages WHERE receiver_id = ? AND is_read = FALSE")
	rows, err := s.db.Query(query, receiver.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var senders []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		senders = append(senders, id)
	}
	return senders, rows.Err()
}

func (s *SQLStore) PendingFileCount(receiver uuid.UUID) (int, error) {
	var count int
	query := s.rebind("SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND type = ? AND file_status = ?")
	err := s.db.QueryRow(query, receiver.String(), models.TypeFile, models.FilePending).Scan(&count)
	return count, err
}

// UpsertProfile creates the profile row if needed and overwrites exactly the
// fields present in p, returning the merged row.
func (s *SQLStore) UpsertProfile(p models.Profile) (*models.Profile, error) {
	query := s.rebind("INSERT INTO profiles (id) VALUES (?) ON CONFLICT(id) DO NOTHING")
	if _, err := s.db.Exec(query, p.ID.String()); err != nil {
		return nil, err
	}

	if p.Status != nil {
		query := s.rebind("UPDATE profiles SET status = ? WHERE id = ?")
		if _, err := s.db.Exec(query, *p.Status, p.ID.String()); err != nil {
			return nil, err
		}
	}
	if p.PublicKey != nil {
		query := s.rebind("UPDATE profiles SET public_key = ? WHERE id = ?")
		if _, err := s.db.Exec(query, *p.PublicKey, p.ID.String()); err != nil {
			return nil, err
		}
	}
	if p.Username != nil {
		query := s.rebind("UPDATE profiles SET username = ? WHERE id = ?")
		if _, err := s.db.Exec(query, *p.Username, p.ID.String()); err != nil {
			return nil, err
		}
	}
	return s.GetProfile(p.ID)
}

func (s *SQLStore) GetProfile(id uuid.UUID) (*models.Profile, error) {
	query := s.rebind("SELECT id, status, public_key, username FROM profiles WHERE id = ?")
	p, err := scanProfile(s.db.QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) GetProfiles(ids []uuid.UUID) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := s.rebind("SELECT id, status, public_key, username FROM profiles WHERE id IN (" + placeholders + ")")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(row interface{ Scan(...any) error }) (*models.Profile, error) {
	var raw, status, publicKey, username string
	if err := row.Scan(&raw, &status, &publicKey, &username); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	p := models.Profile{ID: id}
	if status != "" {
		p.Status = &status
	}
	if publicKey != "" {
		p.PublicKey = &publicKey
	}
	if username != "" {
		p.Username = &username
	}
	return &p, nil
}

// PutObject stores data under path; overwriting an existing object is
// refused so upload paths stay unique.
func (s *SQLStore) PutObject(path string, data []byte) error {
	query := s.rebind("INSERT INTO objects (path, data) VALUES (?, ?)")
	_, err := s.db.Exec(query, path, data)
	return err
}

func (s *SQLStore) GetObject(path string) ([]byte, error) {
	var data []byte
	query := s.rebind("SELECT data FROM objects WHERE path = ?")
	err := s.db.QueryRow(query, path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *SQLStore) DeleteObject(path string) error {
	query := s.rebind("DELETE FROM objects WHERE path = ?")
	_, err := s.db.Exec(query, path)
	return err
}
