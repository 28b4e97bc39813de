// Package thresholds holds the mutable detection thresholds shared by the
// risk monitors. A Policy is a category → level → value table. Monitors read
// it on every evaluation, so administrative updates take effect immediately.
package thresholds

import "sync"

// Threshold levels, ordered by severity.
const (
	Warning    = "warning"
	Suspicious = "suspicious"
	Block      = "block"
)

// Categories understood by the default policy.
const (
	TransactionVelocity   = "transaction_velocity"
	PriceRatio            = "price_ratio"
	TransactionAmount     = "transaction_amount"
	NewAccountTransaction = "new_account_transaction"
	LoginAttempts         = "login_attempts"
	DevicesPerAccount     = "devices_per_account"
	AccountsPerIP         = "accounts_per_ip"
	LocationChanges       = "location_changes"
)

// Policy is a thread-safe category → level → value table.
type Policy struct {
	mu     sync.RWMutex
	values map[string]map[string]float64
}

// Default returns the built-in policy used when no overrides are configured.
func Default() *Policy {
	return &Policy{
		values: map[string]map[string]float64{
			// Transactions per user in the trailing minute.
			TransactionVelocity: {Warning: 5, Suspicious: 10, Block: 20},
			// Ratio relative to the item's average price (checked symmetrically).
			PriceRatio: {Warning: 5, Suspicious: 10, Block: 20},
			// Raw transaction amount in platform credits.
			TransactionAmount: {Warning: 10000, Suspicious: 50000, Block: 100000},
			// Account age in days for high-value transactions (lower is riskier).
			NewAccountTransaction: {Warning: 30, Suspicious: 7, Block: 1},
			// Failed login attempts.
			LoginAttempts: {Warning: 3, Suspicious: 5, Block: 10},
			// Distinct devices seen per account.
			DevicesPerAccount: {Warning: 3, Suspicious: 5, Block: 10},
			// Distinct accounts seen per IP.
			AccountsPerIP: {Warning: 3, Suspicious: 5, Block: 10},
			// Distinct login locations per account.
			LocationChanges: {Warning: 3, Suspicious: 5, Block: 8},
		},
	}
}

// Get returns the value for a category/level pair. Unknown pairs return
// (0, false); callers treat that as "signal disabled" rather than an error.
func (p *Policy) Get(category, level string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	levels, ok := p.values[category]
	if !ok {
		return 0, false
	}
	v, ok := levels[level]
	return v, ok
}

// Tiers returns the (warning, suspicious, block) triple for a category.
// Missing levels come back as 0, which disables the corresponding tier.
func (p *Policy) Tiers(category string) (warning, suspicious, block float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	levels := p.values[category]
	return levels[Warning], levels[Suspicious], levels[Block]
}

// Set updates an existing category/level value. It returns false for an
// unknown category or level; new categories are not created at runtime.
func (p *Policy) Set(category, level string, value float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	levels, ok := p.values[category]
	if !ok {
		return false
	}
	if _, ok := levels[level]; !ok {
		return false
	}
	levels[level] = value
	return true
}

// Snapshot returns a deep copy of the current table, for stats reporting.
func (p *Policy) Snapshot() map[string]map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]float64, len(p.values))
	for cat, levels := range p.values {
		cp := make(map[string]float64, len(levels))
		for lvl, v := range levels {
			cp[lvl] = v
		}
		out[cat] = cp
	}
	return out
}
