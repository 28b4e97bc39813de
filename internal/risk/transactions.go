package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivetgames/sentry/internal/metrics"
	"github.com/rivetgames/sentry/internal/thresholds"
	"github.com/rivetgames/sentry/internal/traces"
)

// History bounds for the transaction monitor.
const (
	maxGlobalTxHistory  = 10000
	maxPerKeyTxHistory  = 1000
	maxSuspiciousTxKept = 1000
)

// DefaultCurrency is assumed when a transaction does not name one.
const DefaultCurrency = "credits"

// Transaction is a single economic event to score. ID, Timestamp, and
// Currency are filled with defaults when empty. AccountAgeDays is optional;
// nil means the caller does not know the account age.
type Transaction struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"userId"`
	ItemID         int64     `json:"itemId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Timestamp      time.Time `json:"timestamp"`
	AccountAgeDays *int      `json:"accountAgeDays,omitempty"`
}

// TransactionAssessment is the verdict for a recorded transaction.
type TransactionAssessment struct {
	TransactionID string    `json:"transactionId"`
	UserID        int64     `json:"userId"`
	ItemID        int64     `json:"itemId"`
	Timestamp     time.Time `json:"timestamp"`
	RiskScore     int       `json:"riskScore"`
	RiskFactors   []string  `json:"riskFactors"`
	IsSuspicious  bool      `json:"isSuspicious"`
	IsBlocked     bool      `json:"isBlocked"`
	IsWhitelisted bool      `json:"isWhitelisted,omitempty"`
	Action        Action    `json:"action"`
}

// SuspiciousTransaction is a review/block-scored transaction kept for audit.
type SuspiciousTransaction struct {
	Transaction Transaction `json:"transaction"`
	RiskScore   int         `json:"riskScore"`
	RiskFactors []string    `json:"riskFactors"`
	RecordedAt  time.Time   `json:"recordedAt"`
}

// UserRisk is an on-demand risk view over a user's transaction history.
type UserRisk struct {
	UserID                 int64    `json:"userId"`
	RiskScore              int      `json:"riskScore"`
	RiskFactors            []string `json:"riskFactors"`
	TransactionCount       int      `json:"transactionCount"`
	RecentTransactionCount int      `json:"recentTransactionCount"`
	TransactionVelocity    float64  `json:"transactionVelocity"`
	AvgTransactionValue    float64  `json:"avgTransactionValue"`
	MaxTransactionValue    float64  `json:"maxTransactionValue"`
	IsSuspicious           bool     `json:"isSuspicious"`
}

// TransactionStats is a snapshot of monitor state.
type TransactionStats struct {
	TotalTransactions      int                           `json:"totalTransactions"`
	UniqueUsers            int                           `json:"uniqueUsers"`
	UniqueItems            int                           `json:"uniqueItems"`
	SuspiciousTransactions int                           `json:"suspiciousTransactions"`
	BlockedUsers           int                           `json:"blockedUsers"`
	WhitelistedUsers       int                           `json:"whitelistedUsers"`
	DailyTransactionCounts map[string]int                `json:"dailyTransactionCounts"`
	Thresholds             map[string]map[string]float64 `json:"thresholds"`
}

// txHistory is one key's bounded transaction list.
type txHistory struct {
	events   []Transaction
	lastSeen time.Time
}

// TransactionMonitor scores economic transactions from per-user velocity,
// per-item price deviation, absolute value, and account age.
// All methods are safe for concurrent use.
type TransactionMonitor struct {
	policy         *thresholds.Policy
	lists          *Lists
	logger         *slog.Logger
	maxTrackedKeys int

	mu         sync.Mutex
	history    []Transaction
	byUser     map[int64]*txHistory
	byItem     map[int64]*txHistory
	suspicious []SuspiciousTransaction
}

// TransactionOption configures a TransactionMonitor.
type TransactionOption func(*TransactionMonitor)

// WithTransactionKeyCap overrides the tracked-key cap.
func WithTransactionKeyCap(n int) TransactionOption {
	return func(m *TransactionMonitor) {
		if n > 0 {
			m.maxTrackedKeys = n
		}
	}
}

// NewTransactionMonitor creates a monitor sharing the given threshold policy
// and block/white lists.
func NewTransactionMonitor(policy *thresholds.Policy, lists *Lists, logger *slog.Logger, opts ...TransactionOption) *TransactionMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &TransactionMonitor{
		policy:         policy,
		lists:          lists,
		logger:         logger,
		maxTrackedKeys: defaultMaxTrackedKeys,
		byUser:         make(map[int64]*txHistory),
		byItem:         make(map[int64]*txHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordTransaction appends tx to the rolling histories and scores it.
func (m *TransactionMonitor) RecordTransaction(ctx context.Context, tx Transaction) TransactionAssessment {
	_, span := traces.StartSpan(ctx, "risk.record_transaction",
		traces.UserID(tx.UserID), traces.ItemID(tx.ItemID))
	defer span.End()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}
	if tx.Currency == "" {
		tx.Currency = DefaultCurrency
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, tx)
	if len(m.history) > maxGlobalTxHistory {
		m.history = m.history[len(m.history)-maxGlobalTxHistory:]
	}
	m.appendKeyed(m.byUser, tx.UserID, tx)
	m.appendKeyed(m.byItem, tx.ItemID, tx)

	assessment := m.evaluate(tx)

	span.SetAttributes(traces.Action(string(assessment.Action)), traces.Score(assessment.RiskScore))
	metrics.RiskDecisionsTotal.WithLabelValues("transaction", string(assessment.Action)).Inc()
	if assessment.IsSuspicious {
		m.logger.Warn("suspicious transaction",
			"transaction_id", tx.ID,
			"user_id", tx.UserID,
			"risk_score", assessment.RiskScore,
			"action", assessment.Action,
		)
	}
	return assessment
}

// appendKeyed adds tx to a per-key history, trimming the key's history and
// evicting the stalest key when the tracked-key cap is exceeded.
// Caller holds the lock.
func (m *TransactionMonitor) appendKeyed(byKey map[int64]*txHistory, key int64, tx Transaction) {
	if key == 0 {
		return
	}
	h, ok := byKey[key]
	if !ok {
		if len(byKey) >= m.maxTrackedKeys {
			evictStalest(byKey)
		}
		h = &txHistory{}
		byKey[key] = h
	}
	h.events = append(h.events, tx)
	h.lastSeen = tx.Timestamp
	if len(h.events) > maxPerKeyTxHistory {
		h.events = h.events[len(h.events)-maxPerKeyTxHistory:]
	}
}

// evictStalest drops the history whose last activity is oldest.
// Caller holds the lock.
func evictStalest(byKey map[int64]*txHistory) {
	var victim int64
	var oldest time.Time
	first := true
	for key, h := range byKey {
		if first || h.lastSeen.Before(oldest) {
			victim, oldest, first = key, h.lastSeen, false
		}
	}
	if !first {
		delete(byKey, victim)
	}
}

// evaluate computes the risk assessment for tx. Caller holds the lock.
func (m *TransactionMonitor) evaluate(tx Transaction) TransactionAssessment {
	result := TransactionAssessment{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		ItemID:        tx.ItemID,
		Timestamp:     tx.Timestamp,
		RiskFactors:   []string{},
		Action:        ActionAllow,
	}

	if m.lists.IsWhitelisted(tx.UserID) {
		result.IsWhitelisted = true
		return result
	}
	if m.lists.IsBlocked(tx.UserID) {
		result.IsBlocked = true
		result.Action = ActionBlock
		result.RiskScore = 100
		result.RiskFactors = append(result.RiskFactors, "User on block list")
		return result
	}

	score := 0

	// Velocity: this user's transactions in the trailing minute, including
	// the one just recorded.
	if h := m.byUser[tx.UserID]; h != nil {
		velocity := 0
		for _, t := range h.events {
			if tx.Timestamp.Sub(t.Timestamp) < time.Minute {
				velocity++
			}
		}
		warn, susp, block := m.policy.Tiers(thresholds.TransactionVelocity)
		switch {
		case float64(velocity) >= block:
			score += 50
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Very high transaction velocity: %d per minute", velocity))
		case float64(velocity) >= susp:
			score += 30
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("High transaction velocity: %d per minute", velocity))
		case float64(velocity) >= warn:
			score += 10
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Elevated transaction velocity: %d per minute", velocity))
		}
	}

	// Price-ratio anomaly against the item's prior average for the same
	// currency, flagged symmetrically for unusually high or low amounts.
	// The transaction being scored is excluded from its own baseline.
	if h := m.byItem[tx.ItemID]; h != nil {
		var sum float64
		count := 0
		for _, t := range h.events {
			if t.Currency == tx.Currency && t.ID != tx.ID {
				sum += t.Amount
				count++
			}
		}
		if count > 0 {
			if avg := sum / float64(count); avg > 0 {
				ratio := tx.Amount / avg
				warn, susp, block := m.policy.Tiers(thresholds.PriceRatio)
				switch {
				case block > 0 && (ratio >= block || ratio <= 1/block):
					score += 40
					result.RiskFactors = append(result.RiskFactors,
						fmt.Sprintf("Extreme price anomaly: %.2fx average", ratio))
				case susp > 0 && (ratio >= susp || ratio <= 1/susp):
					score += 25
					result.RiskFactors = append(result.RiskFactors,
						fmt.Sprintf("Significant price anomaly: %.2fx average", ratio))
				case warn > 0 && (ratio >= warn || ratio <= 1/warn):
					score += 10
					result.RiskFactors = append(result.RiskFactors,
						fmt.Sprintf("Unusual price: %.2fx average", ratio))
				}
			}
		}
	}

	// Absolute value against fixed currency thresholds.
	amountWarn, amountSusp, amountBlock := m.policy.Tiers(thresholds.TransactionAmount)
	if tx.Amount > 0 {
		switch {
		case tx.Amount >= amountBlock:
			score += 30
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Very high value transaction: %.0f %s", tx.Amount, tx.Currency))
		case tx.Amount >= amountSusp:
			score += 20
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("High value transaction: %.0f %s", tx.Amount, tx.Currency))
		case tx.Amount >= amountWarn:
			score += 5
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Notable transaction value: %.0f %s", tx.Amount, tx.Currency))
		}
	}

	// Account age, only weighed for high-value transactions.
	if tx.AccountAgeDays != nil && tx.Amount > amountWarn {
		age := float64(*tx.AccountAgeDays)
		warn, susp, block := m.policy.Tiers(thresholds.NewAccountTransaction)
		switch {
		case age <= block:
			score += 40
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Brand new account (%d days) making high-value transaction", *tx.AccountAgeDays))
		case age <= susp:
			score += 25
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Very new account (%d days) making high-value transaction", *tx.AccountAgeDays))
		case age <= warn:
			score += 10
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Relatively new account (%d days) making high-value transaction", *tx.AccountAgeDays))
		}
	}

	result.RiskScore = clampScore(score)
	result.Action = actionForScore(result.RiskScore)
	result.IsSuspicious = result.RiskScore >= suspiciousScore
	result.IsBlocked = result.Action == ActionBlock

	if result.IsSuspicious {
		m.suspicious = append(m.suspicious, SuspiciousTransaction{
			Transaction: tx,
			RiskScore:   result.RiskScore,
			RiskFactors: result.RiskFactors,
			RecordedAt:  time.Now(),
		})
		if len(m.suspicious) > maxSuspiciousTxKept {
			m.suspicious = m.suspicious[len(m.suspicious)-maxSuspiciousTxKept:]
		}
	}
	return result
}

// SuspiciousTransactions returns up to limit flagged transactions, newest
// first.
func (m *TransactionMonitor) SuspiciousTransactions(limit int) []SuspiciousTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.suspicious)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]SuspiciousTransaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.suspicious[i])
	}
	return out
}

// UserRiskScore computes an aggregate risk view over a user's history:
// sustained velocity, peak value, and value volatility.
func (m *TransactionMonitor) UserRiskScore(userID int64) UserRisk {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := UserRisk{UserID: userID, RiskFactors: []string{}}
	h := m.byUser[userID]
	if h == nil || len(h.events) == 0 {
		return result
	}
	result.TransactionCount = len(h.events)

	now := time.Now()
	var recent []time.Time
	for _, t := range h.events {
		if now.Sub(t.Timestamp) < 24*time.Hour {
			recent = append(recent, t.Timestamp)
		}
	}
	result.RecentTransactionCount = len(recent)

	// Velocity in transactions per minute over the trailing day. With a
	// large sample the day-wide average suffices; with a small one the
	// actual span between first and last is more honest.
	if n := len(recent); n >= 100 {
		result.TransactionVelocity = float64(n) / 86400 * 60
	} else if n > 1 {
		first, last := recent[0], recent[0]
		for _, ts := range recent[1:] {
			if ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		}
		if span := last.Sub(first).Seconds(); span > 0 {
			result.TransactionVelocity = float64(n-1) / span * 60
		}
	}

	var sum, maxAmount float64
	for _, t := range h.events {
		sum += t.Amount
		if t.Amount > maxAmount {
			maxAmount = t.Amount
		}
	}
	avg := sum / float64(len(h.events))
	var stddev float64
	if len(h.events) > 1 {
		var variance float64
		for _, t := range h.events {
			variance += (t.Amount - avg) * (t.Amount - avg)
		}
		stddev = math.Sqrt(variance / float64(len(h.events)))
	}
	result.AvgTransactionValue = avg
	result.MaxTransactionValue = maxAmount

	score := 0

	warn, susp, block := m.policy.Tiers(thresholds.TransactionVelocity)
	switch v := result.TransactionVelocity; {
	case v >= block:
		score += 40
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("Very high transaction velocity: %.2f per minute", v))
	case v >= susp:
		score += 25
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("High transaction velocity: %.2f per minute", v))
	case v >= warn:
		score += 10
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("Elevated transaction velocity: %.2f per minute", v))
	}

	warn, susp, block = m.policy.Tiers(thresholds.TransactionAmount)
	switch {
	case maxAmount >= block:
		score += 30
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("Very high value transaction: %.0f", maxAmount))
	case maxAmount >= susp:
		score += 20
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("High value transaction: %.0f", maxAmount))
	case maxAmount >= warn:
		score += 5
		result.RiskFactors = append(result.RiskFactors,
			fmt.Sprintf("Notable transaction value: %.0f", maxAmount))
	}

	if avg > 0 && stddev > 0 {
		cv := stddev / avg
		if cv > 2 {
			score += 15
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("High transaction value volatility: %.2fx", cv))
		} else if cv > 1 {
			score += 5
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Moderate transaction value volatility: %.2fx", cv))
		}
	}

	result.RiskScore = clampScore(score)
	result.IsSuspicious = result.RiskScore >= suspiciousScore
	return result
}

// Stats returns a snapshot of monitor state.
func (m *TransactionMonitor) Stats() TransactionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	daily := make(map[string]int)
	for _, tx := range m.history {
		daily[tx.Timestamp.Format("2006-01-02")]++
	}
	blocked, whitelisted := m.lists.Counts()
	return TransactionStats{
		TotalTransactions:      len(m.history),
		UniqueUsers:            len(m.byUser),
		UniqueItems:            len(m.byItem),
		SuspiciousTransactions: len(m.suspicious),
		BlockedUsers:           blocked,
		WhitelistedUsers:       whitelisted,
		DailyTransactionCounts: daily,
		Thresholds:             m.policy.Snapshot(),
	}
}
