package port

import "github.com/Wyydra/securecall/internal/core/domain"

// CallStore keeps call sessions by ID. Implementations do not need to be
// safe for concurrent use; the call registry serializes access.
type CallStore interface {
	Get(id domain.CallID) (*domain.CallSession, bool)
	Put(s *domain.CallSession)
	Remove(id domain.CallID)
	// ActiveForPair returns the non-terminal session of the pair, if any.
	ActiveForPair(p domain.Pair) (*domain.CallSession, bool)
	// ForEachNonTerminal calls fn for every non-terminal session until fn returns false.
	ForEachNonTerminal(fn func(s *domain.CallSession) bool)
	CountNonTerminal() int
}
