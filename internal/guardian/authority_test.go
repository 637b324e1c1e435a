package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testSelf      = common.HexToAddress("0x00000000000000000000000000000000000000C3")
	testOwner     = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	testSecondary = common.HexToAddress("0x00000000000000000000000000000000000000BB")
	testOutsider  = common.HexToAddress("0x00000000000000000000000000000000000000EE")
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}

type fakeLedger struct {
	mu       sync.Mutex
	paused   bool
	treasury common.Address
	callers  []common.Address
}

func (l *fakeLedger) SetPaused(_ context.Context, paused bool, caller common.Address, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = paused
	l.callers = append(l.callers, caller)
	return nil
}

func (l *fakeLedger) SetTreasury(_ context.Context, treasury common.Address, caller common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.treasury = treasury
	l.callers = append(l.callers, caller)
	return nil
}

func newTestAuthority(t *testing.T) (*Authority, *fakeLedger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: 1_700_000_000}
	ledger := &fakeLedger{}
	auth, err := NewAuthority(testSelf, testOwner, testSecondary, NewMemoryActionStore(), ledger,
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return auth, ledger, clock
}

func TestNewAuthorityValidation(t *testing.T) {
	store := NewMemoryActionStore()
	if _, err := NewAuthority(testSelf, common.Address{}, testSecondary, store, nil); err == nil {
		t.Fatal("expected error for zero owner")
	}
	if _, err := NewAuthority(testSelf, testOwner, testOwner, store, nil); err == nil {
		t.Fatal("expected error for owner == secondary")
	}
}

func TestTwoPersonRuleAndTimelock(t *testing.T) {
	auth, ledger, clock := newTestAuthority(t)
	ctx := context.Background()
	next := common.HexToAddress("0xF1")

	action, err := auth.Propose(ctx, testOwner, ActionChangeTreasury, next, "rotate treasury")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if action.ExecutableAt != clock.Now().Unix()+Timelock {
		t.Fatalf("executable_at = %d, want now+timelock", action.ExecutableAt)
	}

	// 未确认不可执行。
	if _, err := auth.Execute(ctx, testOwner, action.ID); !errors.Is(err, ErrActionNotConfirmed) {
		t.Fatalf("expected ErrActionNotConfirmed, got %v", err)
	}

	// 提案人自己确认被拒。
	if _, err := auth.Confirm(ctx, testOwner, action.ID); !errors.Is(err, ErrSelfConfirm) {
		t.Fatalf("expected ErrSelfConfirm, got %v", err)
	}
	if _, err := auth.Confirm(ctx, testSecondary, action.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// 时间锁未到期不可执行。
	if _, err := auth.Execute(ctx, testSecondary, action.ID); !errors.Is(err, ErrTimelockActive) {
		t.Fatalf("expected ErrTimelockActive, got %v", err)
	}
	if remaining, err := auth.TimelockRemaining(ctx, action.ID); err != nil || remaining != Timelock {
		t.Fatalf("timelock remaining = %d (%v), want %d", remaining, err, Timelock)
	}

	clock.Advance(Timelock)
	executed, err := auth.Execute(ctx, testSecondary, action.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != ActionExecuted {
		t.Fatalf("expected executed, got %s", executed.Status)
	}
	if ledger.treasury != next {
		t.Fatalf("ledger treasury not updated: %s", ledger.treasury.Hex())
	}
	// 账本看到的调用方是机构主体地址。
	if len(ledger.callers) != 1 || ledger.callers[0] != testSelf {
		t.Fatalf("unexpected ledger callers: %v", ledger.callers)
	}

	// 执行过的操作不可重复执行。
	if _, err := auth.Execute(ctx, testOwner, action.ID); !errors.Is(err, ErrActionSettled) {
		t.Fatalf("expected ErrActionSettled, got %v", err)
	}
}

func TestOutsiderCannotParticipate(t *testing.T) {
	auth, _, _ := newTestAuthority(t)
	ctx := context.Background()

	if _, err := auth.Propose(ctx, testOutsider, ActionUnpause, common.Address{}, ""); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian on propose, got %v", err)
	}

	action, err := auth.Propose(ctx, testOwner, ActionUnpause, common.Address{}, "all clear")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := auth.Confirm(ctx, testOutsider, action.ID); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian on confirm, got %v", err)
	}
	if _, err := auth.Execute(ctx, testOutsider, action.ID); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian on execute, got %v", err)
	}
}

func TestEmergencyGuardianCannotPropose(t *testing.T) {
	auth, ledger, _ := newTestAuthority(t)
	ctx := context.Background()
	extra := common.HexToAddress("0xF8")

	if err := auth.AddEmergencyGuardian(ctx, testOwner, extra); err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	// 紧急守护人可以即时暂停，但无权提案。
	if _, err := auth.Propose(ctx, extra, ActionChangeTreasury, common.HexToAddress("0xF9"), ""); !errors.Is(err, ErrNotSigner) {
		t.Fatalf("expected ErrNotSigner, got %v", err)
	}
	if err := auth.EmergencyPause(ctx, extra, "drain detected"); err != nil {
		t.Fatalf("emergency pause: %v", err)
	}
	if !ledger.paused {
		t.Fatal("ledger should be paused")
	}
}

func TestEmergencyPauseBypassesTimelock(t *testing.T) {
	auth, ledger, clock := newTestAuthority(t)
	ctx := context.Background()

	if err := auth.EmergencyPause(ctx, testOutsider, "panic"); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian, got %v", err)
	}
	if err := auth.EmergencyPause(ctx, testSecondary, "drain detected"); err != nil {
		t.Fatalf("emergency pause: %v", err)
	}
	if !auth.EmergencyMode() {
		t.Fatal("emergency mode should be set")
	}
	if !ledger.paused {
		t.Fatal("ledger should be paused immediately")
	}

	// 解除暂停必须走完整流程。
	action, err := auth.Propose(ctx, testOwner, ActionUnpause, common.Address{}, "resolved")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := auth.Confirm(ctx, testSecondary, action.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	clock.Advance(Timelock)
	if _, err := auth.Execute(ctx, testOwner, action.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ledger.paused {
		t.Fatal("ledger should be unpaused after the action executes")
	}
	if auth.EmergencyMode() {
		t.Fatal("emergency mode should clear on unpause")
	}
}

func TestGuardianMembership(t *testing.T) {
	auth, _, _ := newTestAuthority(t)
	ctx := context.Background()
	extra := common.HexToAddress("0xF3")

	if err := auth.AddEmergencyGuardian(ctx, testSecondary, extra); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := auth.AddEmergencyGuardian(ctx, testOwner, extra); err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	if err := auth.AddEmergencyGuardian(ctx, testOwner, extra); !errors.Is(err, ErrGuardianExists) {
		t.Fatalf("expected ErrGuardianExists, got %v", err)
	}
	if !auth.IsGuardian(extra) {
		t.Fatal("extra guardian should be recognized")
	}

	// owner 与 secondary 永久成员。
	if err := auth.RemoveEmergencyGuardian(ctx, testOwner, testOwner); !errors.Is(err, ErrGuardianProtected) {
		t.Fatalf("expected ErrGuardianProtected for owner, got %v", err)
	}
	if err := auth.RemoveEmergencyGuardian(ctx, testOwner, testSecondary); !errors.Is(err, ErrGuardianProtected) {
		t.Fatalf("expected ErrGuardianProtected for secondary, got %v", err)
	}

	if err := auth.RemoveEmergencyGuardian(ctx, testOwner, extra); err != nil {
		t.Fatalf("remove guardian: %v", err)
	}
	if auth.IsGuardian(extra) {
		t.Fatal("removed guardian should not be recognized")
	}
	if got := len(auth.Guardians()); got != 2 {
		t.Fatalf("guardian count = %d, want 2", got)
	}
}

func TestChangeSecondary(t *testing.T) {
	auth, _, clock := newTestAuthority(t)
	ctx := context.Background()
	replacement := common.HexToAddress("0xF4")

	action, err := auth.Propose(ctx, testOwner, ActionChangeSecondary, replacement, "key rotation")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := auth.Confirm(ctx, testSecondary, action.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	clock.Advance(Timelock)
	if _, err := auth.Execute(ctx, testOwner, action.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if auth.Secondary() != replacement {
		t.Fatalf("secondary not rotated: %s", auth.Secondary().Hex())
	}
	if auth.IsGuardian(testSecondary) {
		t.Fatal("old secondary should lose guardian status")
	}
	if !auth.IsGuardian(replacement) {
		t.Fatal("new secondary should be a guardian")
	}
	// 集合规模不变，仍不少于两人。
	if got := len(auth.Guardians()); got != 2 {
		t.Fatalf("guardian count = %d, want 2", got)
	}
}

func TestCancelAction(t *testing.T) {
	auth, _, _ := newTestAuthority(t)
	ctx := context.Background()

	action, err := auth.Propose(ctx, testSecondary, ActionChangeTreasury, common.HexToAddress("0xF5"), "")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// 非提案人且非 owner 不能撤回。
	extra := common.HexToAddress("0xF6")
	if err := auth.AddEmergencyGuardian(ctx, testOwner, extra); err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	if _, err := auth.CancelAction(ctx, extra, action.ID); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected rejection, got %v", err)
	}

	cancelled, err := auth.CancelAction(ctx, testOwner, action.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != ActionCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := auth.Confirm(ctx, testOwner, action.ID); !errors.Is(err, ErrActionSettled) {
		t.Fatalf("expected ErrActionSettled, got %v", err)
	}
}

func TestOpenActions(t *testing.T) {
	auth, _, _ := newTestAuthority(t)
	ctx := context.Background()

	first, err := auth.Propose(ctx, testOwner, ActionUnpause, common.Address{}, "")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := auth.Propose(ctx, testSecondary, ActionChangeTreasury, common.HexToAddress("0xF7"), ""); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := auth.CancelAction(ctx, testOwner, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	open, err := auth.OpenActions(ctx)
	if err != nil {
		t.Fatalf("open actions: %v", err)
	}
	if len(open) != 1 || open[0].Type != ActionChangeTreasury {
		t.Fatalf("unexpected open actions: %+v", open)
	}
}
