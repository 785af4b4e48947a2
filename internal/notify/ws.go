package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected mechanic app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// WSRegistry holds mechanic sessions keyed by mechanic id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(mechanicID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[mechanicID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(mechanicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, mechanicID)
}

func (r *WSRegistry) Send(mechanicID string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[mechanicID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(payload); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

// Broadcast sends to every connected session, dropping failed ones.
func (r *WSRegistry) Broadcast(payload any) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		if err := r.Send(id, payload); err != nil && !errors.Is(err, ErrNoSession) {
			r.Remove(id)
		}
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
