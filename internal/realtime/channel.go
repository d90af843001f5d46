// Package realtime is the client side of the realtime channel: one websocket
// connection demultiplexed into three event streams (message row changes,
// profile row changes, typing broadcasts). A channel is single-use; on
// reconnect the old one is closed and a new one dialed.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-chat/whisper/internal/models"
)

const (
	writeWait = 10 * time.Second
	// streamBuffer absorbs bursts while a consumer is busy; the reader blocks
	// rather than drop once a buffer fills, preserving arrival order.
	streamBuffer = 64
)

// MessageChange is one row-change event on the messages table.
type MessageChange struct {
	Event   string
	Message models.Message
}

type Channel struct {
	conn *websocket.Conn

	messages chan MessageChange
	profiles chan models.Profile
	typing   chan models.TypingEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects and starts the demultiplexing reader. The returned channel
// delivers events until Close is called or the connection drops; Done is
// closed either way. It does not redial: reconnection policy belongs to the
// caller.
func Dial(ctx context.Context, wsURL string) (*Channel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}

	c := &Channel{
		conn:     conn,
		messages: make(chan MessageChange, streamBuffer),
		profiles: make(chan models.Profile, streamBuffer),
		typing:   make(chan models.TypingEvent, streamBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages delivers insert and update events on the messages table.
func (c *Channel) Messages() <-chan MessageChange { return c.messages }

// Profiles delivers updated profile rows.
func (c *Channel) Profiles() <-chan models.Profile { return c.profiles }

// Typing delivers typing broadcasts from other clients. Own signals are not
// echoed by the backend.
func (c *Channel) Typing() <-chan models.TypingEvent { return c.typing }

// Done is closed when the channel stops delivering events.
func (c *Channel) Done() <-chan struct{} { return c.done }

// SendTyping broadcasts an ephemeral typing signal.
func (c *Channel) SendTyping(event models.TypingEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(models.Envelope{
		Stream:  models.StreamTyping,
		Event:   models.EventBroadcast,
		Payload: raw,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down; pending events still buffered are
// discarded by closing the stream channels.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer func() {
		c.Close()
		close(c.messages)
		close(c.profiles)
		close(c.typing)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("realtime: dropping malformed frame: %v", err)
			continue
		}

		switch env.Stream {
		case models.StreamMessages:
			var m models.Message
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				log.Printf("realtime: bad message payload: %v", err)
				continue
			}
			c.messages <- MessageChange{Event: env.Event, Message: m}
		case models.StreamProfiles:
			var p models.Profile
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Printf("realtime: bad profile payload: %v", err)
				continue
			}
			c.profiles <- p
		case models.StreamTyping:
			var t models.TypingEvent
			if err := json.Unmarshal(env.Payload, &t); err != nil {
				continue
			}
			c.typing <- t
		}
	}
}
