// Package hub fans realtime events out to connected clients: every committed
// row change on the messages and profiles tables, and ephemeral typing
// broadcasts relayed between clients.
package hub

import (
	"encoding/json"
	"log"

	"github.com/whisper-chat/whisper/internal/models"
)

type outbound struct {
	data []byte
	// exclude suppresses echo of a broadcast back to its origin.
	exclude *Client
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Frames to fan out to clients.
	broadcast chan outbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case out := <-h.broadcast:
			for client := range h.clients {
				if client == out.exclude {
					continue
				}
				select {
				case client.send <- out.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Publish fans a row-change event out to every connected client.
func (h *Hub) Publish(stream, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshaling %s payload: %v", stream, err)
		return
	}
	data, err := json.Marshal(models.Envelope{Stream: stream, Event: event, Payload: raw})
	if err != nil {
		log.Printf("Error marshaling envelope: %v", err)
		return
	}
	h.broadcast <- outbound{data: data}
}

// relayTyping rebroadcasts a typing signal from origin to everyone else. The
// sender identity comes from the authenticated connection, never the frame.
func (h *Hub) relayTyping(origin *Client) {
	event := models.TypingEvent{SenderID: origin.userID}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	data, err := json.Marshal(models.Envelope{
		Stream:  models.StreamTyping,
		Event:   models.EventBroadcast,
		Payload: raw,
	})
	if err != nil {
		return
	}
	h.broadcast <- outbound{data: data, exclude: origin}
}

// ClientCount is used by tests and the health endpoint.
func (h *Hub) ClientCount() int {
	// Approximation: reads race with Run, acceptable for diagnostics.
	return len(h.clients)
}
