package risk

import (
	"context"
	"testing"
	"time"
)

func price(v float64) *float64 { return &v }

func TestCyclicOwnershipFlagged(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour)

	// A -> B -> A, spaced far enough apart that only the cycle fires.
	m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemPurchase, UserID: 100, Timestamp: base})
	m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemTransfer, UserID: 200, Timestamp: base.Add(24 * time.Hour)})
	a := m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemTransfer, UserID: 100, Timestamp: base.Add(48 * time.Hour)})

	if !hasFactor(a.RiskFactors, "Cyclic trading pattern detected") {
		t.Fatalf("expected a cyclic trading factor, got %v", a.RiskFactors)
	}
	if !a.IsSuspicious {
		t.Error("cyclic ownership should be suspicious")
	}
}

func TestLinearOwnershipNotFlagged(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour)

	// A -> B -> C, no repetition.
	m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemPurchase, UserID: 100, Timestamp: base})
	m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemTransfer, UserID: 200, Timestamp: base.Add(24 * time.Hour)})
	a := m.RecordActivity(ctx, ItemEvent{ItemID: 1, Type: ItemTransfer, UserID: 300, Timestamp: base.Add(48 * time.Hour)})

	if hasFactor(a.RiskFactors, "Cyclic trading pattern detected") {
		t.Errorf("linear ownership flagged as cyclic: %v", a.RiskFactors)
	}
}

func TestRepeatedOwnerWithoutIntermediaryNotCyclic(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour)

	// A -> A -> A: repetition but nobody in between.
	for i := 0; i < 3; i++ {
		a := m.RecordActivity(ctx, ItemEvent{
			ItemID: 1, Type: ItemTransfer, UserID: 100,
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
		})
		if hasFactor(a.RiskFactors, "Cyclic") {
			t.Errorf("self-repetition flagged as cyclic: %v", a.RiskFactors)
		}
	}
}

func TestPriceVolatility(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour)

	m.RecordActivity(ctx, ItemEvent{ItemID: 2, Type: ItemPurchase, UserID: 1, Price: price(100), Timestamp: base})
	a := m.RecordActivity(ctx, ItemEvent{
		ItemID: 2, Type: ItemPurchase, UserID: 2, Price: price(1500),
		Timestamp: base.Add(24 * time.Hour),
	})

	if !hasFactor(a.RiskFactors, "price volatility") {
		t.Fatalf("expected a price volatility factor, got %v", a.RiskFactors)
	}
	// A 14x step lands in the extreme tier.
	if a.RiskScore < 50 {
		t.Errorf("14x price step scored only %d", a.RiskScore)
	}
}

func TestRapidOwnershipChanges(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	var a ItemAssessment
	for i := 0; i < 3; i++ {
		a = m.RecordActivity(ctx, ItemEvent{
			ItemID: 3, Type: ItemTransfer, UserID: int64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	if !hasFactor(a.RiskFactors, "rapid ownership changes") {
		t.Fatalf("expected a rapid ownership factor, got %v", a.RiskFactors)
	}
	if !a.IsSuspicious {
		t.Errorf("minute-apart flips should be suspicious, scored %d", a.RiskScore)
	}
}

func TestEarlyModification(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	m.RecordActivity(ctx, ItemEvent{ItemID: 4, Type: ItemCreate, UserID: 1, Timestamp: base})
	a := m.RecordActivity(ctx, ItemEvent{
		ItemID: 4, Type: ItemModify, UserID: 1,
		Timestamp: base.Add(30 * time.Second),
	})

	if !hasFactor(a.RiskFactors, "Immediate modification after creation") {
		t.Errorf("expected an early modification factor, got %v", a.RiskFactors)
	}
}

func TestItemScoreBounds(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	m.RecordActivity(ctx, ItemEvent{ItemID: 5, Type: ItemCreate, UserID: 1, Timestamp: base})
	m.RecordActivity(ctx, ItemEvent{ItemID: 5, Type: ItemModify, UserID: 1, Timestamp: base.Add(10 * time.Second)})
	prices := []float64{100, 5000, 10, 9000}
	var a ItemAssessment
	for i, p := range prices {
		a = m.RecordActivity(ctx, ItemEvent{
			ItemID: 5, Type: ItemPurchase, UserID: int64(i%2 + 1), Price: price(p),
			Timestamp: base.Add(time.Duration(i+1) * time.Minute),
		})
		if a.RiskScore < 0 || a.RiskScore > 100 {
			t.Fatalf("risk score %d out of bounds", a.RiskScore)
		}
	}
	if a.Action != ActionBlock {
		t.Errorf("stacked signals got %s (score %d)", a.Action, a.RiskScore)
	}
}

func TestSuspiciousIndexStripsEvents(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		m.RecordActivity(ctx, ItemEvent{
			ItemID: 6, Type: ItemTransfer, UserID: int64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	items := m.SuspiciousItems(10)
	if len(items) != 1 || items[0].ItemID != 6 {
		t.Fatalf("SuspiciousItems = %+v", items)
	}
	if items[0].RiskScore < suspiciousScore {
		t.Errorf("indexed item scored %d", items[0].RiskScore)
	}
}

func TestOwnershipAccessors(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour)

	m.RecordActivity(ctx, ItemEvent{ItemID: 8, Type: ItemPurchase, UserID: 1, Timestamp: base})
	m.RecordActivity(ctx, ItemEvent{ItemID: 8, Type: ItemPurchase, UserID: 2, Timestamp: base.Add(24 * time.Hour)})
	m.RecordActivity(ctx, ItemEvent{ItemID: 9, Type: ItemPurchase, UserID: 1, Timestamp: base.Add(48 * time.Hour)})

	owners := m.ItemOwners(8)
	if len(owners) != 2 || owners[0] != 1 || owners[1] != 2 {
		t.Errorf("ItemOwners = %v", owners)
	}
	items := m.UserItems(1)
	if len(items) != 2 {
		t.Errorf("UserItems = %v", items)
	}
	if got := m.ItemOwners(404); len(got) != 0 {
		t.Errorf("unknown item should have no owners, got %v", got)
	}

	s := m.Stats()
	if s.TotalItems != 2 || s.UniqueOwners != 2 || s.TotalEvents != 3 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestItemEventHistoryBounded(t *testing.T) {
	m := NewItemMonitor(nil)
	ctx := context.Background()
	base := time.Now().Add(-200 * time.Hour)

	for i := 0; i < maxItemEvents+25; i++ {
		m.RecordActivity(ctx, ItemEvent{
			ItemID: 10, Type: ItemTransfer, UserID: int64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	if got := len(m.items[10].events); got != maxItemEvents {
		t.Errorf("item event history length %d, want %d", got, maxItemEvents)
	}
}

func TestItemEviction(t *testing.T) {
	m := NewItemMonitor(nil, WithItemKeyCap(2))
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		m.RecordActivity(ctx, ItemEvent{
			ItemID: int64(i + 1), Type: ItemPurchase, UserID: 1,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
	}
	if got := m.Stats().TotalItems; got != 2 {
		t.Errorf("tracked %d items, want 2", got)
	}
	if _, ok := m.items[4]; !ok {
		t.Error("the freshest item profile was evicted")
	}
}
