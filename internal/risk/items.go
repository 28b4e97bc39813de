package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rivetgames/sentry/internal/metrics"
	"github.com/rivetgames/sentry/internal/traces"
)

// maxItemEvents bounds the per-item event list.
const maxItemEvents = 100

// ItemEventType classifies item activity.
type ItemEventType string

const (
	ItemCreate   ItemEventType = "create"
	ItemPurchase ItemEventType = "purchase"
	ItemTransfer ItemEventType = "transfer"
	ItemModify   ItemEventType = "modify"
)

// ItemEvent is a single item activity to record. UserID 0 means the event
// is not attributable to a user; Price is only meaningful on purchases; a
// zero Timestamp means now.
type ItemEvent struct {
	ItemID    int64         `json:"itemId"`
	Type      ItemEventType `json:"type"`
	UserID    int64         `json:"userId,omitempty"`
	Price     *float64      `json:"price,omitempty"`
	Currency  string        `json:"currency,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ItemAssessment is the verdict for a recorded item activity.
type ItemAssessment struct {
	ItemID       int64     `json:"itemId"`
	RiskScore    int       `json:"riskScore"`
	RiskFactors  []string  `json:"riskFactors"`
	IsSuspicious bool      `json:"isSuspicious"`
	IsBlocked    bool      `json:"isBlocked"`
	Action       Action    `json:"action"`
	OwnersCount  int       `json:"ownersCount"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	LastUpdated  time.Time `json:"lastUpdated,omitempty"`
}

// SuspiciousItem is a flagged item retained in the suspicious index with
// its event history stripped to bound memory.
type SuspiciousItem struct {
	ItemID      int64     `json:"itemId"`
	RiskScore   int       `json:"riskScore"`
	RiskFactors []string  `json:"riskFactors"`
	Owners      []int64   `json:"owners"`
	Creators    []int64   `json:"creators"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ItemStats is a snapshot of monitor state.
type ItemStats struct {
	TotalItems      int `json:"totalItems"`
	SuspiciousItems int `json:"suspiciousItems"`
	TotalEvents     int `json:"totalEvents"`
	UniqueOwners    int `json:"uniqueOwners"`
}

// itemProfile tracks one item's activity.
type itemProfile struct {
	events       []ItemEvent
	owners       map[int64]struct{}
	creators     map[int64]struct{}
	createdAt    time.Time
	priceHistory []pricePoint
	riskScore    int
	riskFactors  []string
	suspicious   bool
	lastUpdated  time.Time
}

type pricePoint struct {
	price     float64
	currency  string
	timestamp time.Time
}

// ItemMonitor scores virtual-item activity for price manipulation, flip
// velocity, and laundering-style ownership cycles.
// All methods are safe for concurrent use.
type ItemMonitor struct {
	logger         *slog.Logger
	maxTrackedKeys int

	mu         sync.Mutex
	items      map[int64]*itemProfile
	userItems  map[int64]map[int64]struct{}
	suspicious map[int64]*SuspiciousItem
}

// ItemOption configures an ItemMonitor.
type ItemOption func(*ItemMonitor)

// WithItemKeyCap overrides the tracked-key cap.
func WithItemKeyCap(n int) ItemOption {
	return func(m *ItemMonitor) {
		if n > 0 {
			m.maxTrackedKeys = n
		}
	}
}

// NewItemMonitor creates an item activity monitor.
func NewItemMonitor(logger *slog.Logger, opts ...ItemOption) *ItemMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ItemMonitor{
		logger:         logger,
		maxTrackedKeys: defaultMaxTrackedKeys,
		items:          make(map[int64]*itemProfile),
		userItems:      make(map[int64]map[int64]struct{}),
		suspicious:     make(map[int64]*SuspiciousItem),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordActivity appends ev to the item's history, recomputes its risk, and
// returns the assessment.
func (m *ItemMonitor) RecordActivity(ctx context.Context, ev ItemEvent) ItemAssessment {
	_, span := traces.StartSpan(ctx, "risk.record_item_activity",
		traces.ItemID(ev.ItemID), traces.UserID(ev.UserID))
	defer span.End()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Currency == "" {
		ev.Currency = DefaultCurrency
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.profileFor(ev.ItemID)
	p.events = append(p.events, ev)
	if len(p.events) > maxItemEvents {
		p.events = p.events[len(p.events)-maxItemEvents:]
	}
	p.lastUpdated = ev.Timestamp

	switch ev.Type {
	case ItemCreate:
		if ev.UserID != 0 {
			p.creators[ev.UserID] = struct{}{}
		}
		p.createdAt = ev.Timestamp
	case ItemPurchase:
		if ev.UserID != 0 {
			p.owners[ev.UserID] = struct{}{}
			items, ok := m.userItems[ev.UserID]
			if !ok {
				items = make(map[int64]struct{})
				m.userItems[ev.UserID] = items
			}
			items[ev.ItemID] = struct{}{}
		}
		if ev.Price != nil {
			p.priceHistory = append(p.priceHistory, pricePoint{
				price:     *ev.Price,
				currency:  ev.Currency,
				timestamp: ev.Timestamp,
			})
		}
	}

	m.scoreItem(ev.ItemID, p)

	assessment := m.assessment(ev.ItemID, p)
	span.SetAttributes(traces.Action(string(assessment.Action)), traces.Score(assessment.RiskScore))
	metrics.RiskDecisionsTotal.WithLabelValues("item", string(assessment.Action)).Inc()
	if assessment.IsSuspicious {
		m.logger.Warn("suspicious item activity",
			"item_id", ev.ItemID,
			"event_type", ev.Type,
			"risk_score", assessment.RiskScore,
		)
	}
	return assessment
}

// profileFor returns or creates an item profile, evicting the stalest one
// at the cap. Caller holds the lock.
func (m *ItemMonitor) profileFor(itemID int64) *itemProfile {
	p, ok := m.items[itemID]
	if ok {
		return p
	}
	if len(m.items) >= m.maxTrackedKeys {
		var victim int64
		var oldest time.Time
		first := true
		for id, item := range m.items {
			if first || item.lastUpdated.Before(oldest) {
				victim, oldest, first = id, item.lastUpdated, false
			}
		}
		if !first {
			delete(m.items, victim)
		}
	}
	p = &itemProfile{
		owners:      make(map[int64]struct{}),
		creators:    make(map[int64]struct{}),
		riskFactors: []string{},
	}
	m.items[itemID] = p
	return p
}

// scoreItem recomputes an item's risk and maintains the suspicious index.
// Caller holds the lock.
func (m *ItemMonitor) scoreItem(itemID int64, p *itemProfile) {
	factors := []string{}
	score := 0

	if pts, factor := priceVolatility(p.priceHistory); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	ownership := ownershipEvents(p.events)

	if pts, factor := rapidOwnershipChanges(ownership); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	if pts, factor := cyclicOwnership(ownership); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	if pts, factor := earlyModification(p.createdAt, p.events); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	p.riskScore = clampScore(score)
	p.riskFactors = factors
	p.suspicious = p.riskScore >= suspiciousScore

	// Items crossing the suspicious threshold are indexed without their
	// event history; dropping back below removes them.
	if p.suspicious {
		m.suspicious[itemID] = &SuspiciousItem{
			ItemID:      itemID,
			RiskScore:   p.riskScore,
			RiskFactors: append([]string{}, factors...),
			Owners:      int64Set(p.owners),
			Creators:    int64Set(p.creators),
			CreatedAt:   p.createdAt,
			LastUpdated: p.lastUpdated,
		}
	} else {
		delete(m.suspicious, itemID)
	}
}

// ownershipEvents filters purchase/transfer events, in chronological order.
func ownershipEvents(events []ItemEvent) []ItemEvent {
	out := make([]ItemEvent, 0, len(events))
	for _, e := range events {
		if e.Type == ItemPurchase || e.Type == ItemTransfer {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// priceVolatility scores the largest absolute step change across the
// recorded price history.
func priceVolatility(history []pricePoint) (int, string) {
	if len(history) < 2 {
		return 0, ""
	}
	sorted := append([]pricePoint{}, history...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].timestamp.Before(sorted[j].timestamp)
	})

	maxChange := 0.0
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1].price
		if prev <= 0 {
			continue
		}
		change := (sorted[i].price - prev) / prev
		if change < 0 {
			change = -change
		}
		if change > maxChange {
			maxChange = change
		}
	}

	pct := maxChange * 100
	switch {
	case maxChange > 10:
		return 50, fmt.Sprintf("Extreme price volatility: %.1f%% change", pct)
	case maxChange > 5:
		return 30, fmt.Sprintf("High price volatility: %.1f%% change", pct)
	case maxChange > 2:
		return 15, fmt.Sprintf("Significant price volatility: %.1f%% change", pct)
	case maxChange > 1:
		return 5, fmt.Sprintf("Notable price volatility: %.1f%% change", pct)
	}
	return 0, ""
}

// rapidOwnershipChanges scores the smallest gap between consecutive
// ownership-changing events.
func rapidOwnershipChanges(ownership []ItemEvent) (int, string) {
	if len(ownership) < 3 {
		return 0, ""
	}
	minGap := ownership[1].Timestamp.Sub(ownership[0].Timestamp).Hours()
	for i := 2; i < len(ownership); i++ {
		gap := ownership[i].Timestamp.Sub(ownership[i-1].Timestamp).Hours()
		if gap < minGap {
			minGap = gap
		}
	}
	switch {
	case minGap < 0.1:
		return 40, fmt.Sprintf("Extremely rapid ownership changes: %.2f hours apart", minGap)
	case minGap < 1:
		return 25, fmt.Sprintf("Very rapid ownership changes: %.2f hours apart", minGap)
	case minGap < 6:
		return 10, fmt.Sprintf("Rapid ownership changes: %.2f hours apart", minGap)
	}
	return 0, ""
}

// cyclicOwnership scans the chronological owner sequence for an owner that
// reappears with at least one different owner strictly between the two
// occurrences, the signature of a wash-trading cycle. The nested scan is
// O(n²) worst case, acceptable with the event history capped.
func cyclicOwnership(ownership []ItemEvent) (int, string) {
	seq := make([]int64, 0, len(ownership))
	for _, e := range ownership {
		if e.UserID != 0 {
			seq = append(seq, e.UserID)
		}
	}
	for i := 0; i < len(seq); i++ {
		for j := i + 2; j < len(seq); j++ {
			if seq[j] != seq[i] {
				continue
			}
			for k := i + 1; k < j; k++ {
				if seq[k] != seq[i] {
					return 40, fmt.Sprintf("Cyclic trading pattern detected (cycle length: %d)", j-i)
				}
			}
		}
	}
	return 0, ""
}

// earlyModification scores a modify event landing shortly after creation.
func earlyModification(createdAt time.Time, events []ItemEvent) (int, string) {
	if createdAt.IsZero() {
		return 0, ""
	}
	var first time.Time
	for _, e := range events {
		if e.Type != ItemModify {
			continue
		}
		if first.IsZero() || e.Timestamp.Before(first) {
			first = e.Timestamp
		}
	}
	if first.IsZero() {
		return 0, ""
	}
	minutes := first.Sub(createdAt).Minutes()
	if minutes < 1 {
		return 15, fmt.Sprintf("Immediate modification after creation: %.1f minutes", minutes)
	}
	if minutes < 5 {
		return 5, fmt.Sprintf("Quick modification after creation: %.1f minutes", minutes)
	}
	return 0, ""
}

// assessment builds the returned verdict for an item. Caller holds the lock.
func (m *ItemMonitor) assessment(itemID int64, p *itemProfile) ItemAssessment {
	return ItemAssessment{
		ItemID:       itemID,
		RiskScore:    p.riskScore,
		RiskFactors:  append([]string{}, p.riskFactors...),
		IsSuspicious: p.suspicious,
		IsBlocked:    p.riskScore >= blockScore,
		Action:       actionForScore(p.riskScore),
		OwnersCount:  len(p.owners),
		CreatedAt:    p.createdAt,
		LastUpdated:  p.lastUpdated,
	}
}

// SuspiciousItems returns up to limit flagged items, riskiest first.
func (m *ItemMonitor) SuspiciousItems(limit int) []SuspiciousItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SuspiciousItem, 0, len(m.suspicious))
	for _, item := range m.suspicious {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UserItems returns the item ids a user has purchased.
func (m *ItemMonitor) UserItems(userID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.userItems[userID]
	if !ok {
		return []int64{}
	}
	return int64Set(items)
}

// ItemOwners returns the user ids that have owned an item.
func (m *ItemMonitor) ItemOwners(itemID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[itemID]
	if !ok {
		return []int64{}
	}
	return int64Set(p.owners)
}

// Stats returns a snapshot of monitor state.
func (m *ItemMonitor) Stats() ItemStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalEvents := 0
	for _, p := range m.items {
		totalEvents += len(p.events)
	}
	return ItemStats{
		TotalItems:      len(m.items),
		SuspiciousItems: len(m.suspicious),
		TotalEvents:     totalEvents,
		UniqueOwners:    len(m.userItems),
	}
}
