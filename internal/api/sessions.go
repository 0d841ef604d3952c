package api

import (
	"context"
	"sync"

	"github.com/mkorolev/usage-meter/internal/usage"
	"github.com/mkorolev/usage-meter/internal/users"
)

// session serializes all ledger access for one user. The mutex is the
// single-writer guarantee the ledger requires.
type session struct {
	mu     sync.Mutex
	ledger *usage.Ledger
}

// session returns the locked session for the user, opening the ledger
// on first touch. The returned func releases the lock.
func (h *Handler) session(ctx context.Context, u *users.User) (*session, func()) {
	h.mu.Lock()
	s, ok := h.sessions[u.TelegramID]
	if !ok {
		s = &session{}
		h.sessions[u.TelegramID] = s
	}
	h.mu.Unlock()

	s.mu.Lock()
	if s.ledger == nil {
		s.ledger = usage.Open(ctx, h.store, h.cache, u.TelegramID, u.UserName, h.prices)
	}
	return s, s.mu.Unlock
}
