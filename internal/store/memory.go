package store

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store entirely in process memory. It offers
// no durability across restarts; it exists for the "memory" storage
// backend and is the default for unit tests that don't want a bbolt
// file on disk.
type MemoryStore struct {
	mu sync.Mutex

	sessions  map[string]*Session
	queues    map[string][]queuedMessage
	retained  map[string]*Message
	inflight  map[string]*Message
	queueSeq  uint64
}

type queuedMessage struct {
	seq uint64
	msg *Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		queues:   make(map[string][]queuedMessage),
		retained: make(map[string]*Message),
		inflight: make(map[string]*Message),
	}
}

func (s *MemoryStore) SaveSession(clientID string, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.Subscriptions = append([]Subscription(nil), session.Subscriptions...)
	s.sessions[clientID] = &cp
	return nil
}

func (s *MemoryStore) LoadSession(clientID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	cp := *sess
	cp.Subscriptions = append([]Subscription(nil), sess.Subscriptions...)
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

func (s *MemoryStore) EnqueueMessage(clientID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueSeq++
	s.queues[clientID] = append(s.queues[clientID], queuedMessage{seq: s.queueSeq, msg: msg})
	return nil
}

func (s *MemoryStore) DequeueMessages(clientID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queues[clientID]
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })
	out := make([]*Message, len(queued))
	for i, q := range queued {
		out[i] = q.msg
	}
	delete(s.queues, clientID)
	return out, nil
}

func (s *MemoryStore) StoreRetained(topic string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[topic] = msg
	return nil
}

func (s *MemoryStore) GetRetained(topic string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.retained[topic]
	if !ok {
		return nil, fmt.Errorf("no retained message for topic")
	}
	return msg, nil
}

func (s *MemoryStore) PersistInflight(clientID string, packetID uint16, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[inflightKey(clientID, packetID)] = msg
	return nil
}

func (s *MemoryStore) ClearInflight(clientID string, packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, inflightKey(clientID, packetID))
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func inflightKey(clientID string, packetID uint16) string {
	return fmt.Sprintf("%s:%d", clientID, packetID)
}
