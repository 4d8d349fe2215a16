package memory

import "github.com/Wyydra/securecall/internal/core/domain"

// CallStore keeps sessions by ID with a pair index for the busy check.
// It is not safe for concurrent use.
type CallStore struct {
	sessions map[domain.CallID]*domain.CallSession
	byPair   map[domain.Pair]domain.CallID
}

func NewCallStore() *CallStore {
	return &CallStore{
		sessions: make(map[domain.CallID]*domain.CallSession),
		byPair:   make(map[domain.Pair]domain.CallID),
	}
}

func (s *CallStore) Get(id domain.CallID) (*domain.CallSession, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *CallStore) Put(sess *domain.CallSession) {
	s.sessions[sess.ID] = sess
	if !sess.Status.Terminal() {
		s.byPair[sess.Pair()] = sess.ID
	}
}

func (s *CallStore) Remove(id domain.CallID) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if cur, ok := s.byPair[sess.Pair()]; ok && cur == id {
		delete(s.byPair, sess.Pair())
	}
}

// ActiveForPair ignores tombstones: the index entry survives until removal,
// so the status is checked on read.
func (s *CallStore) ActiveForPair(p domain.Pair) (*domain.CallSession, bool) {
	id, ok := s.byPair[p]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[id]
	if !ok || sess.Status.Terminal() {
		return nil, false
	}
	return sess, true
}

func (s *CallStore) ForEachNonTerminal(fn func(*domain.CallSession) bool) {
	for _, sess := range s.sessions {
		if sess.Status.Terminal() {
			continue
		}
		if !fn(sess) {
			return
		}
	}
}

func (s *CallStore) CountNonTerminal() int {
	n := 0
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			n++
		}
	}
	return n
}
