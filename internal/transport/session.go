// Package transport owns the authenticated connection to the backend: the
// anonymous session, the filter-based CRUD over the message and profile
// tables, path-keyed object storage, and the realtime channel factory.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/realtime"
)

// ErrNotFound marks 404 responses; callers use it to distinguish "no such
// profile" from transport failure.
var ErrNotFound = errors.New("transport: not found")

type Session struct {
	baseURL string
	client  *http.Client

	token  string
	userID uuid.UUID
}

// New prepares a session against the backend at baseURL. No network traffic
// happens until SignIn.
func New(baseURL string) *Session {
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// UserID is valid after SignIn.
func (s *Session) UserID() uuid.UUID { return s.userID }

// Token returns the session token for persistence, valid after SignIn.
func (s *Session) Token() string { return s.token }

type signInResponse struct {
	Token  string    `json:"token"`
	UserID uuid.UUID `json:"user_id"`
}

// SignIn obtains an authenticated anonymous session. A previously persisted
// token resumes that identity; with no (or a stale) token the backend mints a
// fresh one. Failure here is fatal to session bring-up.
func (s *Session) SignIn(ctx context.Context, resumeToken string) error {
	body, _ := json.Marshal(map[string]string{"token": resumeToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/anonymous", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sign in: unexpected status %d", resp.StatusCode)
	}

	var out signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("sign in: decode response: %w", err)
	}
	s.token = out.Token
	s.userID = out.UserID
	return nil
}

func (s *Session) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// InsertMessage writes a new message row; the echoed row carries the
// server-assigned id and created_at.
func (s *Session) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var echoed models.Message
	err := s.do(ctx, http.MethodPost, "/messages", m, &echoed)
	return echoed, err
}

// UpdateMessage applies a partial update to one row.
func (s *Session) UpdateMessage(ctx context.Context, id int64, patch models.MessagePatch) (models.Message, error) {
	var updated models.Message
	err := s.do(ctx, http.MethodPatch, fmt.Sprintf("/messages/%d", id), patch, &updated)
	return updated, err
}

// Conversation fetches both directions between self and peer, ordered by
// created_at ascending.
func (s *Session) Conversation(ctx context.Context, peer uuid.UUID) ([]models.Message, error) {
	var messages []models.Message
	err := s.do(ctx, http.MethodGet, "/messages?peer="+peer.String(), nil, &messages)
	return messages, err
}

// MarkRead bulk-updates is_read for everything unread from sender to self.
func (s *Session) MarkRead(ctx context.Context, sender uuid.UUID) error {
	return s.do(ctx, http.MethodPost, "/messages/read", map[string]uuid.UUID{"sender_id": sender}, nil)
}

// UnreadSenders returns one element per unread row addressed to self.
func (s *Session) UnreadSenders(ctx context.Context) ([]uuid.UUID, error) {
	var records []struct {
		SenderID uuid.UUID `json:"sender_id"`
	}
	if err := s.do(ctx, http.MethodGet, "/messages/unread", nil, &records); err != nil {
		return nil, err
	}
	senders := make([]uuid.UUID, len(records))
	for i, r := range records {
		senders[i] = r.SenderID
	}
	return senders, nil
}

// PendingFileCount returns how many pending file offers are addressed to
// self.
func (s *Session) PendingFileCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := s.do(ctx, http.MethodGet, "/messages/pending-files", nil, &out)
	return out.Count, err
}

func (s *Session) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	if err := s.do(ctx, http.MethodGet, "/profiles/"+id.String(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Session) GetProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	var profiles []models.Profile
	err := s.do(ctx, http.MethodGet, "/profiles?ids="+strings.Join(parts, ","), nil, &profiles)
	return profiles, err
}

// UpdateMyProfile upserts the caller's own profile row; only non-nil fields
// are touched.
func (s *Session) UpdateMyProfile(ctx context.Context, p models.Profile) (*models.Profile, error) {
	p.ID = s.userID
	var merged models.Profile
	if err := s.do(ctx, http.MethodPut, "/profiles/"+s.userID.String(), p, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// UploadObject stores data under path. The backend refuses duplicate paths.
func (s *Session) UploadObject(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/objects/"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (s *Session) DownloadObject(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/objects/"+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Session) DeleteObject(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodDelete, "/objects/"+path, nil, nil)
}

// OpenChannel dials the realtime websocket for this session. Callers own the
// returned channel and must Close it before opening another.
func (s *Session) OpenChannel(ctx context.Context) (*realtime.Channel, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()

	return realtime.Dial(ctx, u.String())
}

// Healthy reports whether the backend answers its health endpoint; the
// reconnection controller uses it as the reachability probe.
func (s *Session) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
