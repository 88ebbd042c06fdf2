package callstate

import (
	"lobbyx/internal/calls"
)

type EventType string

const (
	EventIncomingCall EventType = "incoming_call"
	EventCallAnswered EventType = "call_answered"
	EventCallRejected EventType = "call_rejected"
	EventCallEnded    EventType = "call_ended"
	EventCallMissed   EventType = "call_missed"
	EventError        EventType = "error"
)

// Event is delivered to every registered Listener.
type Event struct {
	Type EventType
	Call calls.Record
	Role Role

	// Message is set on EventError.
	Message string
}

// Listener receives events outside the machine's lock. It must not block for long.
type Listener func(Event)

func eventForStatus(s calls.Status) (EventType, bool) {
	switch s {
	case calls.StatusAnswered:
		return EventCallAnswered, true
	case calls.StatusRejected:
		return EventCallRejected, true
	case calls.StatusEnded:
		return EventCallEnded, true
	case calls.StatusMissed:
		return EventCallMissed, true
	default:
		return "", false
	}
}

// Listen registers fn and returns a func that unregisters it.
func (m *Machine) Listen(fn Listener) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

type listenerEntry struct {
	id int
	fn Listener
}

func (m *Machine) emit(ev Event) {
	m.listenersMu.RLock()
	fns := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		fns = append(fns, l.fn)
	}
	m.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
