// Package localstore is the client-side persistence layer: a small sqlite
// database holding the device key material (key-value table) and the contact
// list.
package localstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/whisper-chat/whisper/internal/models"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, or nil if the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

// Contacts returns the saved contact list.
func (s *Store) Contacts() ([]models.Contact, error) {
	rows, err := s.db.Query("SELECT id, name FROM contacts ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var raw string
		var c models.Contact
		if err := rows.Scan(&raw, &c.Name); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue // skip rows corrupted by hand-editing
		}
		c.ID = id
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// SaveContact inserts or renames a contact.
func (s *Store) SaveContact(c models.Contact) error {
	_, err := s.db.Exec(
		"INSERT INTO contacts (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
		c.ID.String(), c.Name)
	return err
}

func (s *Store) DeleteContact(id uuid.UUID) error {
	_, err := s.db.Exec("DELETE FROM contacts WHERE id = ?", id.String())
	return err
}
