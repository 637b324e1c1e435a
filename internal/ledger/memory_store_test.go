package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleTransfer(sender, recipient common.Address) *Transfer {
	return &Transfer{
		Sender:      sender,
		Recipient:   recipient,
		Asset:       NativeAsset,
		GrossAmount: units(1),
		NetAmount:   units(1),
		Fee:         big.NewInt(0),
		Premium:     big.NewInt(0),
		CreatedAt:   1_700_000_000,
		UnlockAt:    1_700_000_000 + DefaultDelay,
		ExpiresAt:   1_700_000_000 + DefaultDelay + DefaultExpiryPeriod,
		Status:      StatusPending,
	}
}

func TestMemoryStoreCreateAssignsSequentialIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sender := common.HexToAddress("0xA1")
	recipient := common.HexToAddress("0xB2")

	first := sampleTransfer(sender, recipient)
	second := sampleTransfer(sender, recipient)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", first.ID, second.ID)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = StatusClaimed
	got.NetAmount.SetInt64(0)

	again, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != StatusPending {
		t.Fatal("mutating a returned transfer must not affect the store")
	}
	if again.NetAmount.Cmp(units(1)) != 0 {
		t.Fatal("mutating a returned amount must not affect the store")
	}
}

func TestMemoryStoreTransitionCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := store.Transition(ctx, created.ID, StatusPending, StatusClaimed, "claimed", 1_700_100_000)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if settled.Status != StatusClaimed || settled.SettledAt != 1_700_100_000 {
		t.Fatalf("unexpected settled record: %+v", settled)
	}

	// 再次从 Pending 迁移必须失败：状态机单向。
	if _, err := store.Transition(ctx, created.ID, StatusPending, StatusCancelled, "", 0); !errors.Is(err, ErrTransferNotPending) {
		t.Fatalf("expected ErrTransferNotPending, got %v", err)
	}
	if _, err := store.Transition(ctx, 999, StatusPending, StatusClaimed, "", 0); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestMemoryStoreListExpiredPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sender := common.HexToAddress("0xA1")
	recipient := common.HexToAddress("0xB2")

	expired := sampleTransfer(sender, recipient)
	expired.ExpiresAt = 1_700_000_100
	live := sampleTransfer(sender, recipient)
	live.ExpiresAt = 1_800_000_000
	settled := sampleTransfer(sender, recipient)
	settled.ExpiresAt = 1_700_000_100

	for _, tr := range []*Transfer{expired, live, settled} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.Transition(ctx, settled.ID, StatusPending, StatusRefunded, "", 0); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ids, err := store.ListExpiredPending(ctx, 1_700_000_100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != expired.ID {
		t.Fatalf("expected only expired pending id %d, got %v", expired.ID, ids)
	}

	limited, err := store.ListExpiredPending(ctx, 1_900_000_000, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %v", limited)
	}
}

func TestMemoryStoreCreateCreditsBalances(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	insured := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	insured.NetAmount = units(10)
	insured.Fee = units(1)
	insured.Premium = units(2)
	insured.HasInsurance = true
	if err := store.Create(ctx, insured); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 创建即记账：记录与口径不可分离。
	if got, _ := store.Balance(ctx, BalanceLocked, NativeAsset); got.Cmp(units(10)) != 0 {
		t.Fatalf("locked = %s, want %s", got, units(10))
	}
	if got, _ := store.Balance(ctx, BalanceTreasuryFees, NativeAsset); got.Cmp(units(1)) != 0 {
		t.Fatalf("fees = %s, want %s", got, units(1))
	}
	if got, _ := store.Balance(ctx, BalanceInsurancePool, NativeAsset); got.Cmp(units(2)) != 0 {
		t.Fatalf("pool = %s, want %s", got, units(2))
	}

	// 无保险转账不进池。
	plain := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	plain.Premium = units(5)
	if err := store.Create(ctx, plain); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := store.Balance(ctx, BalanceInsurancePool, NativeAsset); got.Cmp(units(2)) != 0 {
		t.Fatalf("pool must ignore uninsured premium, got %s", got)
	}
}

func TestMemoryStoreTransitionDebitsLocked(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	second := sampleTransfer(common.HexToAddress("0xA1"), common.HexToAddress("0xB2"))
	for _, tr := range []*Transfer{first, second} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if _, err := store.Transition(ctx, first.ID, StatusPending, StatusClaimed, "claimed", 1_700_100_000); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got, _ := store.Balance(ctx, BalanceLocked, NativeAsset); got.Cmp(units(1)) != 0 {
		t.Fatalf("locked = %s, want %s", got, units(1))
	}

	// 被拒绝的迁移不触碰口径。
	if _, err := store.Transition(ctx, first.ID, StatusPending, StatusCancelled, "", 0); !errors.Is(err, ErrTransferNotPending) {
		t.Fatalf("expected ErrTransferNotPending, got %v", err)
	}
	if got, _ := store.Balance(ctx, BalanceLocked, NativeAsset); got.Cmp(units(1)) != 0 {
		t.Fatalf("rejected transition must not change locked, got %s", got)
	}
}

func TestMemoryStoreAdjustBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	next, err := store.AdjustBalance(ctx, BalanceLocked, NativeAsset, units(3))
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if next.Cmp(units(3)) != 0 {
		t.Fatalf("balance = %s, want %s", next, units(3))
	}

	if _, err := store.AdjustBalance(ctx, BalanceLocked, NativeAsset, new(big.Int).Neg(units(5))); err == nil {
		t.Fatal("negative balance must be rejected")
	}

	// 失败的扣减不落账。
	got, err := store.Balance(ctx, BalanceLocked, NativeAsset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(units(3)) != 0 {
		t.Fatalf("balance after rejected adjust = %s, want %s", got, units(3))
	}

	// 不同口径互不影响。
	pool, err := store.Balance(ctx, BalanceInsurancePool, NativeAsset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if pool.Sign() != 0 {
		t.Fatalf("pool should be zero, got %s", pool)
	}
}
