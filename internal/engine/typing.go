package engine

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-chat/whisper/internal/models"
)

// SendTypingSignal broadcasts that the local user is composing. Signals are
// debounced: repeated keystrokes inside the debounce window send nothing, so a
// continuously typing user produces about one broadcast per window.
func (e *Engine) SendTypingSignal() {
	e.mu.Lock()
	ch := e.channel
	self := e.selfID
	now := time.Now()
	if ch == nil || now.Sub(e.lastTypingSent) < e.typingDebounce {
		e.mu.Unlock()
		return
	}
	e.lastTypingSent = now
	e.mu.Unlock()

	if err := ch.SendTyping(models.TypingEvent{SenderID: self}); err != nil {
		log.Printf("engine: typing broadcast: %v", err)
	}
}

// applyTypingEvent handles an inbound typing broadcast: it marks the sender as
// typing and arms the expiry timer. Every further signal from the same peer
// restarts the timer, so the indicator survives exactly one quiet window
// beyond the last keystroke.
func (e *Engine) applyTypingEvent(ev models.TypingEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.SenderID == e.selfID {
		return
	}

	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	if e.typingPeer != ev.SenderID {
		e.typingPeer = ev.SenderID
		e.emit(Notification{Kind: NoteTypingStart, Peer: ev.SenderID})
	}
	peer := ev.SenderID
	e.typingTimer = time.AfterFunc(e.typingExpiry, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.typingPeer == peer {
			e.clearTypingLocked()
		}
	})
}

// clearTypingLocked drops the typing indicator and cancels its expiry timer.
// A message arrival from the typing peer clears it early; the sent message
// supersedes the hint.
func (e *Engine) clearTypingLocked() {
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	if e.typingPeer != uuid.Nil {
		peer := e.typingPeer
		e.typingPeer = uuid.Nil
		e.emit(Notification{Kind: NoteTypingEnd, Peer: peer})
	}
}
