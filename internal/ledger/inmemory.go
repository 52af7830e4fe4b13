package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryLedger struct {
	mu      sync.RWMutex
	users   map[string]User
	entries map[string]struct{}
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		users:   make(map[string]User),
		entries: make(map[string]struct{}),
	}
}

func (l *inMemoryLedger) GetOrCreate(_ context.Context, phone string) (User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if user, exists := l.users[phone]; exists {
		return user, nil
	}
	now := time.Now().UTC()
	user := User{Phone: phone, CreatedAt: now, UpdatedAt: now}
	l.users[phone] = user
	return user, nil
}

func (l *inMemoryLedger) Balance(_ context.Context, phone string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	user, exists := l.users[phone]
	if !exists {
		return 0, ErrUserNotFound
	}
	return user.BalanceSats, nil
}

func (l *inMemoryLedger) Adjust(_ context.Context, phone string, delta int64, kind, reference string) (int64, error) {
	if reference == "" {
		reference = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	user, ok := l.users[phone]
	if !ok {
		return 0, ErrUserNotFound
	}

	key := kind + ":" + reference
	if _, exists := l.entries[key]; exists {
		return user.BalanceSats, ErrDuplicateTransaction
	}

	next := user.BalanceSats + delta
	if next < 0 {
		return user.BalanceSats, ErrInsufficientFunds
	}

	user.BalanceSats = next
	user.UpdatedAt = time.Now().UTC()
	l.users[phone] = user
	l.entries[key] = struct{}{}
	return next, nil
}
