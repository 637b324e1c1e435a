package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"Reverso-Core/internal/observability/alerting"
)

var (
	testAdmin  = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	testWhale  = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	testNormal = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

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

type fakePauser struct {
	mu      sync.Mutex
	reasons []string
	fail    bool
}

func (p *fakePauser) Pause(_ context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("authority unreachable")
	}
	p.reasons = append(p.reasons, reason)
	return nil
}

func (p *fakePauser) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reasons)
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *captureDispatcher) Notify(_ context.Context, evt alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	return nil
}

func (d *captureDispatcher) byCode(code string) []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []alerting.Event
	for _, evt := range d.events {
		if string(evt.Code) == code {
			out = append(out, evt)
		}
	}
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeClock, *fakePauser, *captureDispatcher) {
	t.Helper()
	clock := &fakeClock{now: 1_700_000_000}
	pauser := &fakePauser{}
	alerts := &captureDispatcher{}
	mon := New(testAdmin, Config{},
		WithClock(clock.Now),
		WithPauser(pauser),
		WithAlerts(alerts),
	)
	return mon, clock, pauser, alerts
}

func TestSuspiciousAmountFlagsAddress(t *testing.T) {
	mon, _, _, alerts := newTestMonitor(t)
	ctx := context.Background()

	mon.ObserveCreation(ctx, testNormal, units(10))
	if mon.Flagged(testNormal) {
		t.Fatal("normal amount should not flag the sender")
	}

	// 阈值是含等号的下界。
	mon.ObserveCreation(ctx, testWhale, units(50))
	if !mon.Flagged(testWhale) {
		t.Fatal("threshold amount should flag the sender")
	}
	if got := alerts.byCode(string(CodeSuspiciousAmount)); len(got) != 1 {
		t.Fatalf("expected one suspicious alert, got %d", len(got))
	}

	stats := mon.Stats(testWhale)
	if !stats.Flagged || stats.TxCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWatchlistManualOverride(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	ctx := context.Background()
	keeper := common.HexToAddress("0xF2")

	mon.ObserveCreation(ctx, testWhale, units(60))
	if err := mon.RemoveFromWatchlist(testWhale, testWhale, ""); !errors.Is(err, ErrNotKeeper) {
		t.Fatalf("expected ErrNotKeeper, got %v", err)
	}
	if err := mon.RemoveFromWatchlist(testAdmin, testWhale, "reviewed"); err != nil {
		t.Fatalf("remove from watchlist: %v", err)
	}
	if mon.Flagged(testWhale) {
		t.Fatal("flag should be cleared")
	}
	// 历史画像保留。
	if stats := mon.Stats(testWhale); stats.TxCount != 1 {
		t.Fatalf("stats lost after clearing flag: %+v", stats)
	}

	// keeper 也可以手动加入，即便该地址从未发起过转账。
	if err := mon.AddKeeper(testAdmin, keeper); err != nil {
		t.Fatalf("add keeper: %v", err)
	}
	if err := mon.AddToWatchlist(keeper, testNormal, "reported by support"); err != nil {
		t.Fatalf("add to watchlist: %v", err)
	}
	if !mon.Flagged(testNormal) {
		t.Fatal("manually added address should be flagged")
	}
	if !mon.Stats(testNormal).Flagged {
		t.Fatal("stats should carry the flag")
	}
}

func TestSetThresholdsAdminOnly(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	ctx := context.Background()

	if err := mon.SetThresholds(testNormal, Config{SuspiciousAmount: units(5)}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if err := mon.SetThresholds(testAdmin, Config{
		SuspiciousAmount: units(5),
		MaxVolumePerHour: units(10),
	}); err != nil {
		t.Fatalf("set thresholds: %v", err)
	}

	mon.ObserveCreation(ctx, testWhale, units(5))
	if !mon.Flagged(testWhale) {
		t.Fatal("new suspicious threshold not applied")
	}
	// 自动暂停阈值随限额同步调整。
	if got := mon.HealthCheck().HourlyLimit; got.Cmp(units(10)) != 0 {
		t.Fatalf("hourly limit = %s, want %s", got, units(10))
	}
}

func TestVolumeAlertFiresOncePerWindow(t *testing.T) {
	mon, clock, _, alerts := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mon.ObserveCreation(ctx, testNormal, units(30))
	}
	// 120 单位超过 100 限额，但只告警一次。
	if got := alerts.byCode(string(CodeVolumeExceeded)); len(got) != 1 {
		t.Fatalf("expected one volume alert, got %d", len(got))
	}

	// 新窗口重新计数、重新允许告警。
	clock.Advance(Window)
	for i := 0; i < 4; i++ {
		mon.ObserveCreation(ctx, testNormal, units(30))
	}
	if got := alerts.byCode(string(CodeVolumeExceeded)); len(got) != 2 {
		t.Fatalf("expected two volume alerts after window reset, got %d", len(got))
	}
	if got := mon.Overall().AlertsTriggered; got != 2 {
		t.Fatalf("alerts triggered = %d, want 2", got)
	}
}

func TestWindowIsFixedNotSliding(t *testing.T) {
	mon, clock, _, _ := newTestMonitor(t)
	ctx := context.Background()

	mon.ObserveCreation(ctx, testNormal, units(40))
	clock.Advance(Window - 1)
	mon.ObserveCreation(ctx, testNormal, units(40))

	// 同一窗口内累计。
	if got := mon.Overall().WindowVolume; got.Cmp(units(80)) != 0 {
		t.Fatalf("window volume = %s, want %s", got, units(80))
	}

	clock.Advance(1)
	mon.ObserveCreation(ctx, testNormal, units(10))
	overall := mon.Overall()
	if overall.WindowVolume.Cmp(units(10)) != 0 {
		t.Fatalf("window should reset wholesale, volume = %s", overall.WindowVolume)
	}
	if overall.WindowTxCount != 1 {
		t.Fatalf("window tx count = %d, want 1", overall.WindowTxCount)
	}
	if overall.TotalVolume.Cmp(units(90)) != 0 {
		t.Fatalf("total volume should keep accumulating, got %s", overall.TotalVolume)
	}
}

func TestAutoPauseOnDoubleLimit(t *testing.T) {
	mon, _, pauser, alerts := newTestMonitor(t)
	ctx := context.Background()

	// 刚好两倍限额不触发，超过才触发。
	for i := 0; i < 4; i++ {
		mon.ObserveCreation(ctx, testNormal, units(50))
	}
	if pauser.count() != 0 {
		t.Fatal("exactly double the limit should not auto-pause")
	}

	mon.ObserveCreation(ctx, testNormal, units(1))
	if pauser.count() != 1 {
		t.Fatalf("expected auto-pause, got %d calls", pauser.count())
	}
	if got := alerts.byCode(string(CodeAutoPause)); len(got) != 1 {
		t.Fatalf("expected one auto-pause alert, got %d", len(got))
	}

	// 同一窗口内不再重复触发。
	mon.ObserveCreation(ctx, testNormal, units(5))
	if pauser.count() != 1 {
		t.Fatalf("auto-pause should fire once per window, got %d", pauser.count())
	}
}

func TestUpkeep(t *testing.T) {
	mon, clock, _, _ := newTestMonitor(t)
	ctx := context.Background()
	keeper := common.HexToAddress("0xF1")

	mon.ObserveCreation(ctx, testNormal, units(10))
	if mon.CheckUpkeep() {
		t.Fatal("upkeep not needed inside the window")
	}

	clock.Advance(Window)
	if !mon.CheckUpkeep() {
		t.Fatal("upkeep needed once the window elapsed")
	}

	if err := mon.PerformUpkeep(keeper); !errors.Is(err, ErrNotKeeper) {
		t.Fatalf("expected ErrNotKeeper, got %v", err)
	}
	if err := mon.AddKeeper(keeper, keeper); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if err := mon.AddKeeper(testAdmin, keeper); err != nil {
		t.Fatalf("add keeper: %v", err)
	}
	if err := mon.PerformUpkeep(keeper); err != nil {
		t.Fatalf("perform upkeep: %v", err)
	}
	if mon.CheckUpkeep() {
		t.Fatal("upkeep should be done")
	}
	if got := mon.Overall().WindowVolume; got.Sign() != 0 {
		t.Fatalf("window volume should reset, got %s", got)
	}
}

func TestHealthCheckGrades(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	ctx := context.Background()

	if got := mon.HealthCheck(); got.Status != HealthHealthy {
		t.Fatalf("empty monitor should be healthy, got %s", got.Status)
	} else if !got.PauserLinked || !got.AlertsLinked {
		t.Fatalf("links should be reported as configured: %+v", got)
	}

	mon.ObserveCreation(ctx, testNormal, units(85))
	health := mon.HealthCheck()
	if health.Status != HealthElevated {
		t.Fatalf("85%% utilization should be elevated, got %s", health.Status)
	}
	if health.UtilizationBps != 8500 {
		t.Fatalf("utilization = %d bps, want 8500", health.UtilizationBps)
	}

	mon.ObserveCreation(ctx, testNormal, units(20))
	if got := mon.HealthCheck(); got.Status != HealthCritical {
		t.Fatalf("over-limit utilization should be critical, got %s", got.Status)
	}
}

func TestCustomThresholds(t *testing.T) {
	clock := &fakeClock{now: 1_700_000_000}
	mon := New(testAdmin, Config{
		SuspiciousAmount: units(5),
		MaxVolumePerHour: units(10),
	}, WithClock(clock.Now))

	ctx := context.Background()
	mon.ObserveCreation(ctx, testNormal, units(5))
	if !mon.Flagged(testNormal) {
		t.Fatal("custom suspicious threshold not applied")
	}
	if got := mon.HealthCheck().UtilizationBps; got != 5000 {
		t.Fatalf("utilization = %d bps, want 5000", got)
	}
}
