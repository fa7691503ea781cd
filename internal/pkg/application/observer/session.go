package observer

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// AcceptedWindow is how many recently accepted reading timestamps a session
// remembers for dedup.
const AcceptedWindow = 128

// Session is the per device state owned by a subscription. Everything but
// the connected flag is only touched from the subscription's own goroutine.
type Session struct {
	DeviceID string
	ID       string

	lastAccepted string
	accepted     map[string]struct{}
	order        []string

	connected atomic.Bool
}

func NewSession(deviceID string) *Session {
	return &Session{
		DeviceID: deviceID,
		ID:       uuid.NewString(),
		accepted: map[string]struct{}{},
	}
}

// LastAccepted returns the timestamp of the last persisted reading and
// whether any reading has been accepted in this session.
func (s *Session) LastAccepted() (string, bool) {
	return s.lastAccepted, len(s.order) > 0
}

// Seen reports whether a reading with this timestamp was accepted recently.
func (s *Session) Seen(timestamp string) bool {
	_, ok := s.accepted[timestamp]
	return ok
}

func (s *Session) Accept(timestamp string) {
	s.lastAccepted = timestamp

	if _, ok := s.accepted[timestamp]; ok {
		return
	}

	s.accepted[timestamp] = struct{}{}
	s.order = append(s.order, timestamp)

	if len(s.order) > AcceptedWindow {
		delete(s.accepted, s.order[0])
		s.order = s.order[1:]
	}
}

// Connected is advisory, it tells whether push delivery is currently active.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

func (s *Session) setConnected(c bool) {
	s.connected.Store(c)
}
