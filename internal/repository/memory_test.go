package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
)

func seedChain(t *testing.T, m *MemoryStore, targetID string) (*ApprovalChain, []*ApprovalSlot) {
	t.Helper()
	chain := &ApprovalChain{
		TenantID:   "t1",
		TargetType: TargetInvoice,
		TargetID:   targetID,
		RuleID:     "rule-1",
		Levels: []RuleLevel{
			{Level: 1, Role: "finance", MinApprovals: 1},
			{Level: 2, Role: "owner", MinApprovals: 1},
		},
		RejectionPolicy: RejectionChainFatal,
		Amount:          15000,
		Status:          ChainPending,
		CurrentLevel:    1,
		SubmittedBy:     "submitter",
		SubmittedAt:     time.Now(),
	}
	slots := []*ApprovalSlot{
		{Level: 1, Role: "finance", ApproverID: "f1", Status: SlotPending},
		{Level: 1, Role: "finance", ApproverID: "f2", Status: SlotPending},
	}
	if err := m.CreateChain(context.Background(), chain, slots); err != nil {
		t.Fatalf("create chain: %v", err)
	}
	return chain, slots
}

func TestCreateChainEnforcesOnePendingPerTarget(t *testing.T) {
	m := NewMemoryStore()
	chain, _ := seedChain(t, m, "inv-1")

	dup := &ApprovalChain{
		TenantID: "t1", TargetType: TargetInvoice, TargetID: "inv-1",
		Status: ChainPending, SubmittedAt: time.Now(),
	}
	err := m.CreateChain(context.Background(), dup, nil)
	if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}

	// A resolved chain releases the target.
	if _, err := m.ResolveChain(context.Background(), chain.ID, ChainRejected, time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := m.CreateChain(context.Background(), dup, nil); err != nil {
		t.Fatalf("create after resolve: %v", err)
	}
}

func TestDecideSlotIsCompareAndSwap(t *testing.T) {
	m := NewMemoryStore()
	_, slots := seedChain(t, m, "inv-2")

	won, err := m.DecideSlot(context.Background(), slots[0].ID, SlotApproved, "f1", nil, time.Now())
	if err != nil || !won {
		t.Fatalf("first decide: won=%v err=%v", won, err)
	}
	won, err = m.DecideSlot(context.Background(), slots[0].ID, SlotRejected, "f1", nil, time.Now())
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if won {
		t.Fatal("second decide won on a non-pending slot")
	}

	slot, err := m.GetSlot(context.Background(), "t1", slots[0].ChainID, 1, "f1")
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if slot.Status != SlotApproved {
		t.Fatalf("slot status = %s, the losing write leaked through", slot.Status)
	}
}

func TestDecideSlotConcurrent(t *testing.T) {
	m := NewMemoryStore()
	_, slots := seedChain(t, m, "inv-3")

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.DecideSlot(context.Background(), slots[0].ID, SlotApproved, "f1", nil, time.Now())
			if err != nil {
				t.Errorf("decide: %v", err)
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for won := range wins {
		if won {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestAdvanceLevelGuardedByCurrentLevel(t *testing.T) {
	m := NewMemoryStore()
	chain, _ := seedChain(t, m, "inv-4")

	won, err := m.AdvanceLevel(context.Background(), chain.ID, 1, 2)
	if err != nil || !won {
		t.Fatalf("first advance: won=%v err=%v", won, err)
	}
	// A second caller still holding the old level number loses.
	won, err = m.AdvanceLevel(context.Background(), chain.ID, 1, 2)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if won {
		t.Fatal("stale advance won")
	}

	got, err := m.GetChain(context.Background(), "t1", chain.ID)
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	if got.CurrentLevel != 2 {
		t.Fatalf("current level = %d, want 2", got.CurrentLevel)
	}
}

func TestResolveChainIsCompareAndSwap(t *testing.T) {
	m := NewMemoryStore()
	chain, _ := seedChain(t, m, "inv-5")

	won, err := m.ResolveChain(context.Background(), chain.ID, ChainApproved, time.Now())
	if err != nil || !won {
		t.Fatalf("first resolve: won=%v err=%v", won, err)
	}
	won, err = m.ResolveChain(context.Background(), chain.ID, ChainRejected, time.Now())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if won {
		t.Fatal("second resolve won on a terminal chain")
	}

	got, _ := m.GetChain(context.Background(), "t1", chain.ID)
	if got.Status != ChainApproved || got.CompletedAt == nil {
		t.Fatalf("chain = %s/%v, want approved with completion time", got.Status, got.CompletedAt)
	}
}

func TestSkipPendingSlotsScopes(t *testing.T) {
	m := NewMemoryStore()
	chain, slots := seedChain(t, m, "inv-6")
	if err := m.InsertSlots(context.Background(), chain, []*ApprovalSlot{
		{Level: 2, Role: "owner", ApproverID: "o1", Status: SlotPending},
	}); err != nil {
		t.Fatalf("insert slots: %v", err)
	}
	if _, err := m.DecideSlot(context.Background(), slots[0].ID, SlotApproved, "f1", nil, time.Now()); err != nil {
		t.Fatalf("decide: %v", err)
	}

	level := 1
	skipped, err := m.SkipPendingSlots(context.Background(), chain.ID, &level)
	if err != nil {
		t.Fatalf("skip level: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("level-scoped skip = %d, want 1 (decided slot untouched)", skipped)
	}

	skipped, err = m.SkipPendingSlots(context.Background(), chain.ID, nil)
	if err != nil {
		t.Fatalf("skip all: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("chain-wide skip = %d, want 1 (the level-2 slot)", skipped)
	}
}

func TestListPendingSlotsForApproversSkipsResolvedChains(t *testing.T) {
	m := NewMemoryStore()
	chain, _ := seedChain(t, m, "inv-7")

	slots, err := m.ListPendingSlotsForApprovers(context.Background(), "t1", []string{"f1", "f2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("pending slots = %d, want 2", len(slots))
	}

	// Slots of a resolved chain are no longer actionable, pending or not.
	if _, err := m.ResolveChain(context.Background(), chain.ID, ChainRejected, time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	slots, err = m.ListPendingSlotsForApprovers(context.Background(), "t1", []string{"f1", "f2"})
	if err != nil {
		t.Fatalf("list after resolve: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("pending slots after resolve = %d, want 0", len(slots))
	}
}

func TestStoreReadsDoNotAlias(t *testing.T) {
	m := NewMemoryStore()
	chain, _ := seedChain(t, m, "inv-8")

	got, err := m.GetChain(context.Background(), "t1", chain.ID)
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	got.Levels[0].MinApprovals = 99
	got.Status = ChainApproved

	again, _ := m.GetChain(context.Background(), "t1", chain.ID)
	if again.Levels[0].MinApprovals == 99 || again.Status == ChainApproved {
		t.Fatal("mutation through a returned chain leaked into the store")
	}
}

func TestContainsAmountHalfOpen(t *testing.T) {
	max := int64(10000)
	bounded := &ApprovalRule{ThresholdMin: 100, ThresholdMax: &max}
	unbounded := &ApprovalRule{ThresholdMin: 10000}

	tests := []struct {
		rule   *ApprovalRule
		amount int64
		want   bool
	}{
		{bounded, 99, false},
		{bounded, 100, true},
		{bounded, 9999, true},
		{bounded, 10000, false},
		{unbounded, 10000, true},
		{unbounded, 1 << 40, true},
	}
	for _, tt := range tests {
		if got := tt.rule.ContainsAmount(tt.amount); got != tt.want {
			t.Errorf("ContainsAmount(%d) = %v, want %v", tt.amount, got, tt.want)
		}
	}
}
