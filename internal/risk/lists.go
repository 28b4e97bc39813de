package risk

import "sync"

// Lists holds the user blocklist and whitelist shared by the transaction
// and account monitors. The two sets are disjoint: adding a user to one
// removes them from the other. Whitelist membership short-circuits scoring
// to allow; blocklist membership short-circuits to block.
type Lists struct {
	mu        sync.Mutex
	blocked   map[int64]struct{}
	whitelist map[int64]struct{}
}

// NewLists creates empty block and white lists.
func NewLists() *Lists {
	return &Lists{
		blocked:   make(map[int64]struct{}),
		whitelist: make(map[int64]struct{}),
	}
}

// AddToBlocklist blocks a user, evicting them from the whitelist.
func (l *Lists) AddToBlocklist(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[userID] = struct{}{}
	delete(l.whitelist, userID)
}

// AddToWhitelist whitelists a user, evicting them from the blocklist.
func (l *Lists) AddToWhitelist(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.whitelist[userID] = struct{}{}
	delete(l.blocked, userID)
}

// RemoveFromBlocklist removes a user from the blocklist. No-op if absent.
func (l *Lists) RemoveFromBlocklist(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, userID)
}

// RemoveFromWhitelist removes a user from the whitelist. No-op if absent.
func (l *Lists) RemoveFromWhitelist(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.whitelist, userID)
}

// IsBlocked reports blocklist membership.
func (l *Lists) IsBlocked(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blocked[userID]
	return ok
}

// IsWhitelisted reports whitelist membership.
func (l *Lists) IsWhitelisted(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.whitelist[userID]
	return ok
}

// Counts returns the sizes of both lists.
func (l *Lists) Counts() (blocked, whitelisted int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocked), len(l.whitelist)
}
