// Package engine is the secure realtime message synchronization engine: it
// owns the ordered message list for the active conversation, per-peer unread
// counters and presence, applies realtime changes idempotently with
// decrypt-on-arrival, and drives the typing and file-transfer state machines.
//
// Concurrency model: the realtime listeners run as concurrent producers, but
// every state mutation happens under one mutex, giving the single-writer
// discipline the rest of the package relies on. Accessors hand out copies.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/keystore"
	"github.com/whisper-chat/whisper/internal/models"
	"github.com/whisper-chat/whisper/internal/realtime"
)

// Backend is the slice of the transport session the engine consumes.
// *transport.Session satisfies it.
type Backend interface {
	UserID() uuid.UUID
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	UpdateMessage(ctx context.Context, id int64, patch models.MessagePatch) (models.Message, error)
	Conversation(ctx context.Context, peer uuid.UUID) ([]models.Message, error)
	MarkRead(ctx context.Context, sender uuid.UUID) error
	UnreadSenders(ctx context.Context) ([]uuid.UUID, error)
	PendingFileCount(ctx context.Context) (int, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
	UpdateMyProfile(ctx context.Context, p models.Profile) (*models.Profile, error)
	UploadObject(ctx context.Context, path string, data []byte) error
	DownloadObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
	Healthy(ctx context.Context) bool
}

// Channel is the realtime stream surface the engine listens on;
// *realtime.Channel satisfies it.
type Channel interface {
	Messages() <-chan realtime.MessageChange
	Profiles() <-chan models.Profile
	Typing() <-chan models.TypingEvent
	Done() <-chan struct{}
	SendTyping(models.TypingEvent) error
	Close() error
}

// DialFunc opens a fresh realtime channel for the current session.
type DialFunc func(ctx context.Context) (Channel, error)

// ContactStore persists the locally owned contact list;
// *localstore.Store satisfies it.
type ContactStore interface {
	Contacts() ([]models.Contact, error)
	SaveContact(c models.Contact) error
	DeleteContact(id uuid.UUID) error
}

// NotificationKind classifies engine-emitted alerts.
type NotificationKind string

const (
	NoteUnread       NotificationKind = "unread"
	NoteIncomingFile NotificationKind = "incoming-file"
	NoteTypingStart  NotificationKind = "typing-started"
	NoteTypingEnd    NotificationKind = "typing-ended"
	NoteKeyChanged   NotificationKind = "key-changed"
)

// Notification is the UI-facing alert payload.
type Notification struct {
	Kind  NotificationKind
	Title string
	Body  string
	Peer  uuid.UUID
}

const (
	defaultTypingExpiry   = 3 * time.Second
	defaultTypingDebounce = 1 * time.Second
	defaultOfflineTimeout = 2 * time.Second
)

// Config wires an Engine. Zero durations fall back to the protocol defaults.
type Config struct {
	Backend  Backend
	Dial     DialFunc
	Keys     *keystore.Store
	Contacts ContactStore

	TypingExpiry   time.Duration
	TypingDebounce time.Duration
	OfflineTimeout time.Duration
}

type Engine struct {
	backend  Backend
	dial     DialFunc
	keys     *keystore.Store
	contacts ContactStore

	typingExpiry   time.Duration
	typingDebounce time.Duration
	offlineTimeout time.Duration

	notify chan Notification

	mu             sync.Mutex
	selfID         uuid.UUID
	messages       []models.Message
	contactList    []models.Contact
	current        uuid.UUID // active conversation peer; Nil when none selected
	myStatus       models.UserStatus
	myUsername     string
	friendStatuses map[uuid.UUID]models.UserStatus
	friendKeys     map[uuid.UUID]string
	unread         map[uuid.UUID]int
	connected      bool
	lastError      string

	typingPeer     uuid.UUID
	typingTimer    *time.Timer
	lastTypingSent time.Time

	channel        Channel
	listenerCancel context.CancelFunc
}

func New(cfg Config) *Engine {
	e := &Engine{
		backend:        cfg.Backend,
		dial:           cfg.Dial,
		keys:           cfg.Keys,
		contacts:       cfg.Contacts,
		typingExpiry:   cfg.TypingExpiry,
		typingDebounce: cfg.TypingDebounce,
		offlineTimeout: cfg.OfflineTimeout,
		notify:         make(chan Notification, 32),
		myStatus:       models.StatusOnline,
		friendStatuses: make(map[uuid.UUID]models.UserStatus),
		friendKeys:     make(map[uuid.UUID]string),
		unread:         make(map[uuid.UUID]int),
		connected:      true,
	}
	if e.typingExpiry == 0 {
		e.typingExpiry = defaultTypingExpiry
	}
	if e.typingDebounce == 0 {
		e.typingDebounce = defaultTypingDebounce
	}
	if e.offlineTimeout == 0 {
		e.offlineTimeout = defaultOfflineTimeout
	}
	return e
}

// Start brings the session up: loads contacts, publishes the public key and
// online status, pulls own profile and peer state, subscribes to realtime and
// re-raises any pending alerts. The backend must already be signed in.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.selfID = e.backend.UserID()
	e.mu.Unlock()

	if contacts, err := e.contacts.Contacts(); err != nil {
		e.recordError("loading contacts", err)
	} else {
		e.mu.Lock()
		e.contactList = contacts
		e.mu.Unlock()
	}

	// Publish identity: public key plus online status. Upsert guarantees the
	// profile row exists.
	key := e.keys.PublicKeyBase64()
	status := string(models.StatusOnline)
	if _, err := e.backend.UpdateMyProfile(ctx, models.Profile{PublicKey: &key, Status: &status}); err != nil {
		e.recordError("publishing public key", err)
	}

	e.fetchMyProfile(ctx)
	e.FetchFriendStatuses(ctx)
	e.fetchUnreadCounts(ctx)
	if err := e.subscribe(ctx); err != nil {
		return err
	}
	e.checkInitialAlerts(ctx)
	return nil
}

// Stop tears down realtime and publishes offline status, bounded so shutdown
// never hangs on the network.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.listenerCancel
	ch := e.channel
	e.listenerCancel = nil
	e.channel = nil
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	e.SetOffline()
}

// SetOffline writes offline presence with a hard ceiling on the wait.
func (e *Engine) SetOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), e.offlineTimeout)
	defer cancel()
	status := string(models.StatusOffline)
	if _, err := e.backend.UpdateMyProfile(ctx, models.Profile{Status: &status}); err != nil {
		log.Printf("engine: offline status write skipped: %v", err)
	}
}

// subscribe replaces any previous realtime channel with a fresh one and
// starts the three stream listeners under a single cancellable parent.
func (e *Engine) subscribe(ctx context.Context) error {
	e.mu.Lock()
	prevCancel := e.listenerCancel
	prevChannel := e.channel
	e.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prevChannel != nil {
		prevChannel.Close()
	}

	ch, err := e.dial(ctx)
	if err != nil {
		e.recordError("opening realtime channel", err)
		return err
	}

	lctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.channel = ch
	e.listenerCancel = cancel
	e.connected = true
	e.mu.Unlock()

	// Closing the connection on cancellation unblocks all three listeners;
	// their streams close when the read loop exits.
	go func() {
		select {
		case <-lctx.Done():
		case <-ch.Done():
		}
		ch.Close()
	}()

	go func() {
		for change := range ch.Messages() {
			e.applyMessageChange(change)
		}
	}()
	go func() {
		for profile := range ch.Profiles() {
			e.applyProfileChange(profile)
		}
	}()
	go func() {
		for event := range ch.Typing() {
			e.applyTypingEvent(event)
		}
	}()
	return nil
}

// Resync reconciles local state with the backend after connectivity returns:
// message refetch, peer status refresh, unread recount, realtime
// re-subscription, then pending-alert re-check.
func (e *Engine) Resync(ctx context.Context) {
	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	if current != uuid.Nil {
		e.fetchMessages(ctx, current)
	}
	e.FetchFriendStatuses(ctx)
	e.fetchUnreadCounts(ctx)
	if err := e.subscribe(ctx); err != nil {
		return
	}
	e.checkInitialAlerts(ctx)
}

// checkInitialAlerts re-raises notifications for state that accumulated while
// away; a pending file offer outranks plain unread messages.
func (e *Engine) checkInitialAlerts(ctx context.Context) {
	pending, err := e.backend.PendingFileCount(ctx)
	if err != nil {
		log.Printf("engine: pending file check: %v", err)
	} else if pending > 0 {
		e.emit(Notification{Kind: NoteIncomingFile})
		return
	}

	senders, err := e.backend.UnreadSenders(ctx)
	if err != nil {
		log.Printf("engine: unread check: %v", err)
		return
	}
	if len(senders) > 0 {
		e.emit(Notification{Kind: NoteUnread})
	}
}

// Notifications delivers UI-facing alerts. The channel is buffered; alerts
// overflowing a stalled consumer are dropped, never blocking the engine.
func (e *Engine) Notifications() <-chan Notification { return e.notify }

func (e *Engine) emit(n Notification) {
	select {
	case e.notify <- n:
	default:
	}
}

// recordError keeps the single most recent user-visible failure.
func (e *Engine) recordError(title string, err error) {
	log.Printf("engine: %s: %v", title, err)
	e.mu.Lock()
	e.lastError = title + ": " + err.Error()
	e.mu.Unlock()
}

// --- UI-observable state (copies; safe for concurrent readers) ---

func (e *Engine) SelfID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

func (e *Engine) Contacts() []models.Contact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Contact, len(e.contactList))
	copy(out, e.contactList)
	return out
}

func (e *Engine) UnreadCounts() map[uuid.UUID]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uuid.UUID]int, len(e.unread))
	for k, v := range e.unread {
		out[k] = v
	}
	return out
}

func (e *Engine) FriendStatus(id uuid.UUID) models.UserStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.friendStatuses[id]; ok {
		return s
	}
	return models.StatusOffline
}

func (e *Engine) FriendKey(id uuid.UUID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.friendKeys[id]
	return key, ok
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Engine) MyStatus() models.UserStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.myStatus
}

func (e *Engine) MyUsername() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.myUsername
}

// TypingPeer returns the peer currently typing, or uuid.Nil.
func (e *Engine) TypingPeer() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typingPeer
}

func (e *Engine) contactName(id uuid.UUID) string {
	for _, c := range e.contactList {
		if c.ID == id {
			return c.Name
		}
	}
	return "Someone"
}
