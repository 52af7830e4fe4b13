package ledger

import "time"

// SeedBalance is a test helper that sets the balance for a phone when using the
// in-memory ledger, creating the user if needed.
func SeedBalance(l Ledger, phone string, amount int64) {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	user := mem.users[phone]
	if user.Phone == "" {
		user = User{Phone: phone, CreatedAt: time.Now().UTC()}
	}
	user.BalanceSats = amount
	user.UpdatedAt = time.Now().UTC()
	mem.users[phone] = user
}
