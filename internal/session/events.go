package session

import (
	"context"
	"fmt"
	"time"
)

// EventType identifies a session notification.
type EventType int

const (
	// EventStateChanged is sent on every session state transition.
	EventStateChanged EventType = iota
	// EventReady is sent once authentication succeeded.
	EventReady
	// EventDisconnected is sent exactly once per teardown.
	EventDisconnected
	// EventError is sent when a connect attempt fails.
	EventError
	// EventChannelsChanged is sent when the registry grows or shrinks.
	EventChannelsChanged
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventChannelsChanged:
		return "channels-changed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a session notification.
type Event struct {
	Type  EventType
	State State
	// Err is set for EventError, and for EventDisconnected when the
	// transport was lost.
	Err error
	// Channels is the registry size for EventChannelsChanged.
	Channels int
}

// disconnectEventWait bounds how long a full subscriber can hold up
// EventDisconnected.
const disconnectEventWait = time.Second

// Notify relays events to ch. Events are dropped when ch is full, except
// EventDisconnected, which waits up to disconnectEventWait for room.
func (s *Session) Notify(ch chan<- Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, ch)
}

// StopNotify stops relaying events to ch.
func (s *Session) StopNotify(ch chan<- Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.subscribers {
		if c == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	subs := append([]chan<- Event(nil), s.subscribers...)
	s.mu.Unlock()

	var expired <-chan struct{}
	for _, ch := range subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Type != EventDisconnected {
			continue
		}
		if expired == nil {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectEventWait)
			defer cancel()
			expired = ctx.Done()
		}
		select {
		case ch <- ev:
		case <-expired:
			s.log.Warn("subscriber missed disconnect event")
		}
	}
}
