package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/cryptobox"
	"github.com/whisper-chat/whisper/internal/keystore"
	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/realtime"
)

// --- test doubles ---

type memKV struct {
	m map[string][]byte
}

func (k *memKV) Get(key string) ([]byte, error) { return k.m[key], nil }
func (k *memKV) Put(key string, v []byte) error { k.m[key] = v; return nil }

type memContacts struct {
	mu sync.Mutex
	m  map[uuid.UUID]models.Contact
}

func (c *memContacts) Contacts() ([]models.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Contact, 0, len(c.m))
	for _, v := range c.m {
		out = append(out, v)
	}
	return out, nil
}

func (c *memContacts) SaveContact(contact models.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[contact.ID] = contact
	return nil
}

func (c *memContacts) DeleteContact(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	self     uuid.UUID
	nextID   int64
	messages []models.Message
	profiles map[uuid.UUID]models.Profile
	objects  map[string][]byte

	healthy    bool
	failInsert bool
	failUpdate bool
	failUnread bool

	dials         int
	lastChannel   *fakeChannel
	markReadCalls []uuid.UUID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		self:     uuid.New(),
		profiles: make(map[uuid.UUID]models.Profile),
		objects:  make(map[string][]byte),
		healthy:  true,
	}
}

func (f *fakeBackend) UserID() uuid.UUID { return f.self }

func (f *fakeBackend) InsertMessage(_ context.Context, m models.Message) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return models.Message{}, errors.New("insert refused")
	}
	f.nextID++
	m.ID = f.nextID
	now := time.Now().UTC()
	m.CreatedAt = &now
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeBackend) UpdateMessage(_ context.Context, id int64, patch models.MessagePatch) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return models.Message{}, errors.New("update refused")
	}
	for i := range f.messages {
		if f.messages[i].ID != id {
			continue
		}
		if patch.Content != nil {
			f.messages[i].Content = *patch.Content
		}
		if patch.EditedAt != nil {
			f.messages[i].EditedAt = patch.EditedAt
		}
		if patch.IsDeleted != nil {
			f.messages[i].IsDeleted = *patch.IsDeleted
		}
		if patch.IsRead != nil {
			f.messages[i].IsRead = *patch.IsRead
		}
		if patch.FileStatus != nil {
			f.messages[i].FileStatus = *patch.FileStatus
		}
		return f.messages[i], nil
	}
	return models.Message{}, errors.New("no such message")
}

func (f *fakeBackend) Conversation(_ context.Context, peer uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if (m.SenderID == f.self && m.ReceiverID == peer) || (m.SenderID == peer && m.ReceiverID == f.self) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) MarkRead(_ context.Context, sender uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, sender)
	for i := range f.messages {
		if f.messages[i].SenderID == sender && f.messages[i].ReceiverID == f.self {
			f.messages[i].IsRead = true
		}
	}
	return nil
}

func (f *fakeBackend) UnreadSenders(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUnread {
		return nil, errors.New("unread query refused")
	}
	var out []uuid.UUID
	for _, m := range f.messages {
		if m.ReceiverID == f.self && !m.IsRead {
			out = append(out, m.SenderID)
		}
	}
	return out, nil
}

func (f *fakeBackend) PendingFileCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if m.ReceiverID == f.self && m.Type == models.TypeFile && m.FileStatus == models.FilePending {
			count++
		}
	}
	return count, nil
}

func (f *fakeBackend) GetProfile(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, errors.New("no such profile")
	}
	return &p, nil
}

func (f *fakeBackend) GetProfiles(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Profile
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) UpdateMyProfile(_ context.Context, p models.Profile) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := f.profiles[f.self]
	merged.ID = f.self
	if p.Status != nil {
		merged.Status = p.Status
	}
	if p.PublicKey != nil {
		merged.PublicKey = p.PublicKey
	}
	if p.Username != nil {
		merged.Username = p.Username
	}
	f.profiles[f.self] = merged
	return &merged, nil
}

func (f *fakeBackend) UploadObject(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.objects[path]; exists {
		return errors.New("duplicate path")
	}
	f.objects[path] = data
	return nil
}

func (f *fakeBackend) DownloadObject(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (f *fakeBackend) DeleteObject(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	return nil
}

func (f *fakeBackend) Healthy(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeBackend) dial(_ context.Context) (Channel, error) {
	ch := newFakeChannel()
	f.mu.Lock()
	f.dials++
	f.lastChannel = ch
	f.mu.Unlock()
	return ch, nil
}

type fakeChannel struct {
	messages chan realtime.MessageChange
	profiles chan models.Profile
	typing   chan models.TypingEvent
	done     chan struct{}

	mu        sync.Mutex
	sent      []models.TypingEvent
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		messages: make(chan realtime.MessageChange, 16),
		profiles: make(chan models.Profile, 16),
		typing:   make(chan models.TypingEvent, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeChannel) Messages() <-chan realtime.MessageChange { return c.messages }
func (c *fakeChannel) Profiles() <-chan models.Profile         { return c.profiles }
func (c *fakeChannel) Typing() <-chan models.TypingEvent       { return c.typing }
func (c *fakeChannel) Done() <-chan struct{}                   { return c.done }

func (c *fakeChannel) SendTyping(ev models.TypingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.messages)
		close(c.profiles)
		close(c.typing)
		close(c.done)
	})
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeBackend) {
	t.Helper()
	keys, err := keystore.Open(&memKV{m: map[string][]byte{}})
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	fb := newFakeBackend()
	cfg.Backend = fb
	cfg.Dial = fb.dial
	cfg.Keys = keys
	cfg.Contacts = &memContacts{m: map[uuid.UUID]models.Contact{}}
	e := New(cfg)
	e.selfID = fb.self
	return e, fb
}

// peerIdentity is the remote side of a conversation: its own key pair plus
// the profile row it would publish.
type peerIdentity struct {
	id   uuid.UUID
	priv []byte
	pub  string
}

func newPeer(t *testing.T) peerIdentity {
	t.Helper()
	priv, err := cryptobox.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := cryptobox.PublicKey(priv)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	return peerIdentity{id: uuid.New(), priv: priv, pub: base64encode(pub)}
}

func base64encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (p peerIdentity) profile() models.Profile {
	key := p.pub
	return models.Profile{ID: p.id, PublicKey: &key}
}

func drainNotifications(e *Engine) []Notification {
	var out []Notification
	for {
		select {
		case n := <-e.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

// --- tests ---

func TestSendMessageEncryptsAfterKeyExchange(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)

	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	// Before the peer publishes a key the send falls back to plaintext.
	secure, err := e.SendMessage(context.Background(), "hello before keys")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if secure {
		t.Error("Expected plaintext fallback without a peer key")
	}
	if fb.messages[0].Content != "hello before keys" {
		t.Errorf("Expected plaintext on the wire, got %q", fb.messages[0].Content)
	}

	e.applyProfileChange(peer.profile())

	secure, err = e.SendMessage(context.Background(), "hello after keys")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !secure {
		t.Fatal("Expected encrypted send once the peer key is known")
	}
	wire := fb.messages[1].Content
	if wire == "hello after keys" {
		t.Fatal("Plaintext leaked onto the wire")
	}
	plain, ok := cryptobox.Decrypt(wire, peer.priv, e.keys.PublicKeyBase64())
	if !ok || plain != "hello after keys" {
		t.Errorf("Peer failed to decrypt the wire content: ok=%v plain=%q", ok, plain)
	}

	// Locally both messages display as plaintext with server ids assigned.
	messages := e.Messages()
	if len(messages) != 2 {
		t.Fatalf("Expected 2 local messages, got %d", len(messages))
	}
	for _, m := range messages {
		if m.ID == 0 || m.ClientStatus != models.ClientSent {
			t.Errorf("Expected reconciled placeholder, got id=%d status=%q", m.ID, m.ClientStatus)
		}
	}
	if messages[1].Content != "hello after keys" || !messages[1].Decrypted {
		t.Errorf("Expected local plaintext copy, got %+v", messages[1])
	}
}

func TestSendMessageFailureMarksPlaceholder(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	fb.failInsert = true
	if _, err := e.SendMessage(context.Background(), "lost"); err == nil {
		t.Fatal("Expected send to fail")
	}

	messages := e.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected the placeholder to remain, got %d messages", len(messages))
	}
	if messages[0].ClientStatus != models.ClientError {
		t.Errorf("Expected error status, got %q", messages[0].ClientStatus)
	}
	if e.LastError() == "" {
		t.Error("Expected a recorded error")
	}
}

func TestApplyMessageChangeIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	incoming := models.Message{ID: 7, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "hi", Type: models.TypeText}
	change := realtime.MessageChange{Event: models.EventInsert, Message: incoming}
	e.applyMessageChange(change)
	e.applyMessageChange(change)

	if got := len(e.Messages()); got != 1 {
		t.Fatalf("Expected 1 message after duplicate delivery, got %d", got)
	}

	// An update event for the same row mutates in place.
	edited := incoming
	now := time.Now().UTC()
	edited.Content = "hi, edited"
	edited.EditedAt = &now
	e.applyMessageChange(realtime.MessageChange{Event: models.EventUpdate, Message: edited})

	messages := e.Messages()
	if len(messages) != 1 || messages[0].Content != "hi, edited" {
		t.Errorf("Expected in-place edit, got %+v", messages)
	}
}

func TestIncomingOutsideActiveConversation(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	username := "alice"
	fb.profiles[peer.id] = models.Profile{ID: peer.id, Username: &username}
	if _, err := e.AddContact(context.Background(), peer.id.String(), "alice"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	stranger := newPeer(t)

	e.applyMessageChange(realtime.MessageChange{
		Event:   models.EventInsert,
		Message: models.Message{ID: 1, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "psst", Type: models.TypeText},
	})
	e.applyMessageChange(realtime.MessageChange{
		Event: models.EventInsert,
		Message: models.Message{ID: 2, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "Sent a file: cat.png",
			Type: models.TypeFile, FilePath: "p/cat.png", FileName: "cat.png", FileStatus: models.FilePending},
	})
	e.applyMessageChange(realtime.MessageChange{
		Event:   models.EventInsert,
		Message: models.Message{ID: 3, SenderID: stranger.id, ReceiverID: e.SelfID(), Content: "hello?", Type: models.TypeText},
	})

	if got := e.UnreadCounts()[peer.id]; got != 2 {
		t.Errorf("Expected unread counter 2, got %d", got)
	}
	if got := len(e.Messages()); got != 0 {
		t.Errorf("Expected no messages in the empty active list, got %d", got)
	}

	notes := drainNotifications(e)
	if len(notes) != 3 {
		t.Fatalf("Expected 3 notifications, got %d", len(notes))
	}
	if notes[0].Kind != NoteUnread {
		t.Errorf("Expected unread notification, got %q", notes[0].Kind)
	}
	if notes[0].Title != "alice" || notes[0].Body != "psst" {
		t.Errorf("Expected sender name and content, got title=%q body=%q", notes[0].Title, notes[0].Body)
	}
	if notes[1].Kind != NoteIncomingFile {
		t.Errorf("Expected incoming-file notification, got %q", notes[1].Kind)
	}
	if notes[1].Title != "alice" || notes[1].Body != "Sent a file: cat.png" {
		t.Errorf("Expected file-offer payload, got title=%q body=%q", notes[1].Title, notes[1].Body)
	}
	if notes[2].Title != "Someone" || notes[2].Body != "hello?" {
		t.Errorf("Expected fallback name for an unknown sender, got title=%q body=%q", notes[2].Title, notes[2].Body)
	}
}

func TestIncomingInActiveConversationIsMarkedRead(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}
	fb.mu.Lock()
	baseline := len(fb.markReadCalls)
	fb.mu.Unlock()

	e.applyMessageChange(realtime.MessageChange{
		Event:   models.EventInsert,
		Message: models.Message{ID: 3, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "hey", Type: models.TypeText},
	})

	if got := len(e.Messages()); got != 1 {
		t.Fatalf("Expected message appended to active list, got %d", got)
	}
	if got := e.UnreadCounts()[peer.id]; got != 0 {
		t.Errorf("Expected no unread increment for the active conversation, got %d", got)
	}

	deadline := time.After(time.Second)
	for {
		fb.mu.Lock()
		marked := len(fb.markReadCalls) > baseline
		fb.mu.Unlock()
		if marked {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Expected a server-side mark-read for the active conversation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFetchMyProfileRestoresNameAndStatus(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	username := "night owl"
	status := string(models.StatusAway)
	fb.profiles[fb.self] = models.Profile{ID: fb.self, Username: &username, Status: &status}

	e.fetchMyProfile(context.Background())

	if got := e.MyUsername(); got != "night owl" {
		t.Errorf("Expected the stored username restored, got %q", got)
	}
	if got := e.MyStatus(); got != models.StatusAway {
		t.Errorf("Expected the stored presence restored, got %q", got)
	}

	// A row with an unknown status value leaves the current presence alone.
	bogus := "asleep"
	fb.profiles[fb.self] = models.Profile{ID: fb.self, Status: &bogus}
	e.fetchMyProfile(context.Background())
	if got := e.MyStatus(); got != models.StatusAway {
		t.Errorf("Expected presence unchanged for an unknown value, got %q", got)
	}
}

func TestInitialAlertsOrdering(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)

	// Unread text only: a plain unread alert.
	if _, err := fb.InsertMessage(context.Background(), models.Message{
		SenderID: peer.id, ReceiverID: fb.self, Content: "waiting", Type: models.TypeText,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	e.checkInitialAlerts(context.Background())
	notes := drainNotifications(e)
	if len(notes) != 1 || notes[0].Kind != NoteUnread {
		t.Fatalf("Expected one unread alert, got %v", notes)
	}

	// A pending file offer outranks the unread messages.
	if _, err := fb.InsertMessage(context.Background(), models.Message{
		SenderID: peer.id, ReceiverID: fb.self, Type: models.TypeFile,
		FileName: "report.pdf", FileStatus: models.FilePending,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	e.checkInitialAlerts(context.Background())
	notes = drainNotifications(e)
	if len(notes) != 1 || notes[0].Kind != NoteIncomingFile {
		t.Fatalf("Expected one incoming-file alert, got %v", notes)
	}

	// A failing unread query must not swallow the pending-file alert.
	fb.failUnread = true
	e.checkInitialAlerts(context.Background())
	notes = drainNotifications(e)
	if len(notes) != 1 || notes[0].Kind != NoteIncomingFile {
		t.Fatalf("Expected the incoming-file alert despite the unread failure, got %v", notes)
	}
}

func TestEchoReconciliationMatchesContent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	// Two sends to the same peer in flight at once.
	now := time.Now().UTC()
	self := e.SelfID()
	placeholder := func(text string) models.Message {
		return models.Message{
			SenderID: self, ReceiverID: peer.id, Content: text,
			CreatedAt: &now, Type: models.TypeText, ClientStatus: models.ClientSending,
		}
	}
	e.mu.Lock()
	e.messages = append(e.messages, placeholder("first draft"), placeholder("second draft"))
	e.mu.Unlock()

	// The echo of the second send must reconcile its own placeholder, not the
	// older one.
	e.applyMessageChange(realtime.MessageChange{
		Event:   models.EventInsert,
		Message: models.Message{ID: 5, SenderID: e.SelfID(), ReceiverID: peer.id, Content: "second draft", Type: models.TypeText},
	})

	messages := e.Messages()
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].ID != 0 || messages[0].ClientStatus != models.ClientSending || messages[0].Content != "first draft" {
		t.Errorf("First placeholder must stay in flight, got %+v", messages[0])
	}
	if messages[1].ID != 5 || messages[1].ClientStatus != models.ClientSent || messages[1].Content != "second draft" {
		t.Errorf("Expected the matching placeholder reconciled, got %+v", messages[1])
	}
}

func TestMarkConversationReadResetsCounter(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	peer := newPeer(t)

	e.applyMessageChange(realtime.MessageChange{
		Event:   models.EventInsert,
		Message: models.Message{ID: 1, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "x", Type: models.TypeText},
	})
	if got := e.UnreadCounts()[peer.id]; got != 1 {
		t.Fatalf("Expected unread counter 1, got %d", got)
	}

	e.MarkConversationRead(context.Background(), peer.id)
	if got := e.UnreadCounts()[peer.id]; got != 0 {
		t.Errorf("Expected unread counter reset, got %d", got)
	}
}

func TestEditAndDeleteRequireServerAck(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}
	if _, err := e.SendMessage(context.Background(), "typo"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	id := e.Messages()[0].ID

	fb.failUpdate = true
	if err := e.EditMessage(context.Background(), id, "fixed"); err == nil {
		t.Fatal("Expected edit to fail")
	}
	if got := e.Messages()[0].Content; got != "typo" {
		t.Errorf("Local state mutated despite server refusal: %q", got)
	}

	fb.failUpdate = false
	if err := e.EditMessage(context.Background(), id, "fixed"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	m := e.Messages()[0]
	if m.Content != "fixed" || m.EditedAt == nil {
		t.Errorf("Expected local edit applied, got %+v", m)
	}

	if err := e.DeleteMessage(context.Background(), id); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !e.Messages()[0].IsDeleted {
		t.Error("Expected tombstone after delete")
	}
}

func TestKeyChangeRaisesAlert(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	peer := newPeer(t)

	e.applyProfileChange(peer.profile())
	if notes := drainNotifications(e); len(notes) != 0 {
		t.Fatalf("First key sighting must not alert, got %v", notes)
	}

	rotated := newPeer(t)
	key := rotated.pub
	e.applyProfileChange(models.Profile{ID: peer.id, PublicKey: &key})

	notes := drainNotifications(e)
	if len(notes) != 1 || notes[0].Kind != NoteKeyChanged {
		t.Fatalf("Expected one key-changed alert, got %v", notes)
	}
	if got, _ := e.FriendKey(peer.id); got != rotated.pub {
		t.Error("Expected the newest published key to win")
	}
}

func TestAddContactValidationOrder(t *testing.T) {
	e, fb := newTestEngine(t, Config{})

	if _, err := e.AddContact(context.Background(), "not-a-uuid", "x"); err != ErrInvalidContactID {
		t.Errorf("Expected ErrInvalidContactID, got %v", err)
	}
	if _, err := e.AddContact(context.Background(), fb.self.String(), "me"); err != ErrSelfContact {
		t.Errorf("Expected ErrSelfContact, got %v", err)
	}
	if _, err := e.AddContact(context.Background(), uuid.New().String(), "ghost"); err != ErrUnknownContact {
		t.Errorf("Expected ErrUnknownContact, got %v", err)
	}

	peer := newPeer(t)
	username := "alice"
	fb.profiles[peer.id] = models.Profile{ID: peer.id, Username: &username}

	contact, err := e.AddContact(context.Background(), peer.id.String(), "whatever i typed")
	if err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if contact.Name != "alice" {
		t.Errorf("Expected the published username to win, got %q", contact.Name)
	}
	if _, err := e.AddContact(context.Background(), peer.id.String(), "again"); err != ErrDuplicateContact {
		t.Errorf("Expected ErrDuplicateContact, got %v", err)
	}
}

func TestRemoveContactClearsDerivedState(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	fb.profiles[peer.id] = peer.profile()
	if _, err := e.AddContact(context.Background(), peer.id.String(), "bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	if err := e.RemoveContact(peer.id); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if len(e.Contacts()) != 0 {
		t.Error("Expected empty contact list")
	}
	if _, ok := e.FriendKey(peer.id); ok {
		t.Error("Expected cached key dropped")
	}
	if e.Messages() != nil && len(e.Messages()) != 0 {
		t.Error("Expected active conversation cleared")
	}
}

func TestReachabilityRegainResyncs(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fb.dials != 1 {
		t.Fatalf("Expected 1 realtime dial after Start, got %d", fb.dials)
	}

	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}
	if _, err := e.SendMessage(context.Background(), "before the outage"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	preLoss := e.Messages()

	// A message lands while the connection is down; the visible list must not
	// change until the resync.
	e.SetReachable(context.Background(), false)
	if e.Connected() {
		t.Fatal("Expected disconnected state")
	}
	if _, err := fb.InsertMessage(context.Background(), models.Message{
		SenderID: peer.id, ReceiverID: fb.self, Content: "while you were away", Type: models.TypeText,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if got := len(e.Messages()); got != len(preLoss) {
		t.Fatalf("Expected the visible list unchanged while offline, got %d messages", got)
	}

	e.SetReachable(context.Background(), true)
	if !e.Connected() {
		t.Fatal("Expected connected state")
	}
	if fb.dials != 2 {
		t.Errorf("Expected a fresh realtime dial on regain, got %d", fb.dials)
	}

	// The refetched list is a superset by id of the pre-loss list.
	ids := make(map[int64]bool)
	for _, m := range e.Messages() {
		ids[m.ID] = true
	}
	for _, m := range preLoss {
		if !ids[m.ID] {
			t.Errorf("Message %d lost across the resync", m.ID)
		}
	}
	if len(ids) != len(preLoss)+1 {
		t.Errorf("Expected the offline message picked up, got ids %v", ids)
	}

	// Repeating the same observation must not resync again.
	e.SetReachable(context.Background(), true)
	if fb.dials != 2 {
		t.Errorf("Expected no dial for a repeated observation, got %d", fb.dials)
	}
}

func TestFileOfferRejectDeletesBlob(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	if err := e.OfferFile(context.Background(), "notes.txt", []byte("attack at dawn")); err != nil {
		t.Fatalf("OfferFile: %v", err)
	}
	if len(fb.objects) != 1 {
		t.Fatalf("Expected 1 uploaded object, got %d", len(fb.objects))
	}
	offer := e.Messages()[0]
	if offer.Type != models.TypeFile || offer.FileStatus != models.FilePending {
		t.Fatalf("Expected pending file offer, got %+v", offer)
	}

	if err := e.RespondToFile(context.Background(), offer.ID, false); err != nil {
		t.Fatalf("RespondToFile: %v", err)
	}
	if len(fb.objects) != 0 {
		t.Error("Expected the rejected blob to be deleted")
	}
	if got := e.Messages()[0].FileStatus; got != models.FileRejected {
		t.Errorf("Expected rejected status, got %q", got)
	}
	if err := e.RespondToFile(context.Background(), offer.ID, true); err != ErrFileNotPending {
		t.Errorf("Expected ErrFileNotPending on a settled offer, got %v", err)
	}
	if _, _, err := e.DownloadFile(context.Background(), offer.ID); err == nil {
		t.Error("Expected download of a rejected offer to fail")
	}
}

func TestDownloadFileIsOneShot(t *testing.T) {
	e, fb := newTestEngine(t, Config{})
	peer := newPeer(t)
	e.applyProfileChange(peer.profile())
	if err := e.SetActiveContact(context.Background(), peer.id); err != nil {
		t.Fatalf("SetActiveContact: %v", err)
	}

	// The peer seals the payload for us and uploads it.
	sealed, err := cryptobox.EncryptBytes([]byte("secret plans"), peer.priv, e.keys.PublicKeyBase64())
	if err != nil {
		t.Fatalf("EncryptBytes: %v", err)
	}
	path := peer.id.String() + "/blob_plans.pdf"
	fb.objects[path] = sealed
	e.applyMessageChange(realtime.MessageChange{
		Event: models.EventInsert,
		Message: models.Message{ID: 9, SenderID: peer.id, ReceiverID: e.SelfID(), Content: "Sent a file: plans.pdf",
			Type: models.TypeFile, FilePath: path, FileName: "plans.pdf", FileStatus: models.FileAccepted},
	})

	data, name, err := e.DownloadFile(context.Background(), 9)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if string(data) != "secret plans" || name != "plans.pdf" {
		t.Errorf("Expected decrypted payload, got %q (%s)", data, name)
	}

	if _, _, err := e.DownloadFile(context.Background(), 9); err == nil {
		t.Error("Expected second download to fail once the blob is gone")
	}
}
