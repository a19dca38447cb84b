package events

import (
	"sync"
	"time"
)

// EventType represents the type of bridge event
type EventType string

const (
	// Activation events
	EventConfigChange EventType = "config_change"
	EventUUIDCreated  EventType = "uuid_created"
	EventRegister     EventType = "register"
	EventVerify       EventType = "verify"
	EventReset        EventType = "reset"

	// Polling events
	EventPoll      EventType = "poll"
	EventHeartbeat EventType = "heartbeat"

	// Host events
	EventNotice  EventType = "notice"
	EventCommand EventType = "command"
	EventRestart EventType = "restart"
)

// Event sources
const (
	SourceController = "controller"
	SourceAPI        = "api"
	SourceMQTT       = "mqtt"
	SourceHost       = "host"
)

// Event represents an activation, polling or host event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

const subscriberBuffer = 32

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64

	subs map[chan Event]struct{}
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
		subs:    make(map[chan Event]struct{}),
	}
}

// Add adds a new event to the store and fans it out to subscribers
func (s *Store) Add(eventType EventType, source string, success bool, details string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event := Event{
		ID:        s.nextID,
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Success:   success,
		Details:   details,
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)

	for ch := range s.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop
		}
	}
	return event
}

// Subscribe returns a channel receiving every new event and a cancel
// function that closes it.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID <= lastID {
			break
		}
		result = append(result, s.events[i])
	}
	return result
}

// Count returns the number of buffered events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
