package monitor

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	xerrors "Reverso-Core/internal/errors"
	"Reverso-Core/internal/observability/alerting"
	"Reverso-Core/pkg/logger"
)

// Pauser 是监控器触发自动暂停时使用的能力。
// 接线时通常适配为监管机构的紧急暂停入口。
type Pauser interface {
	Pause(ctx context.Context, reason string) error
}

// Window 是流量统计的固定窗口长度，单位为秒。窗口不滑动：
// 到期后整体清零重新累计。
const Window = 3600

// 自动暂停阈值为每小时限额的两倍。
const autoPauseMultiplier = 2

var (
	// DefaultSuspiciousAmount 是单笔可疑金额的默认阈值（50 个单位）。
	DefaultSuspiciousAmount = new(big.Int).Mul(big.NewInt(50), big.NewInt(params.Ether))
	// DefaultMaxVolumePerHour 是每小时流量的默认限额（100 个单位）。
	DefaultMaxVolumePerHour = new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))
)

const (
	CodeSuspiciousAmount xerrors.Code = "ANOMALY_SUSPICIOUS_AMOUNT"
	CodeVolumeExceeded   xerrors.Code = "ANOMALY_VOLUME_EXCEEDED"
	CodeAutoPause        xerrors.Code = "ANOMALY_AUTO_PAUSE"
)

var (
	// ErrNotKeeper 表示调用方没有执行维护的授权。
	ErrNotKeeper = xerrors.New(xerrors.CodeNotAuthorized, "caller is not an authorized keeper")
	// ErrNotAdmin 表示调用方不是监控器管理员。
	ErrNotAdmin = xerrors.New(xerrors.CodeNotAuthorized, "caller is not the monitor admin")
)

func init() {
	xerrors.Register(CodeSuspiciousAmount, xerrors.Attributes{
		Message:   "single transfer exceeds suspicious amount threshold",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVolumeExceeded, xerrors.Attributes{
		Message:   "hourly volume limit exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAutoPause, xerrors.Attributes{
		Message:   "hourly volume breached auto-pause threshold",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// AddressStats 是单个地址的累计画像。
type AddressStats struct {
	TxCount     uint64   `json:"tx_count"`
	TotalVolume *big.Int `json:"total_volume"`
	LastSeen    int64    `json:"last_seen"`
	Flagged     bool     `json:"flagged"`
}

// OverallStats 是监控器的全局快照。
type OverallStats struct {
	TotalTransactions uint64   `json:"total_transactions"`
	TotalVolume       *big.Int `json:"total_volume"`
	WindowVolume      *big.Int `json:"window_volume"`
	WindowTxCount     uint64   `json:"window_tx_count"`
	WindowStart       int64    `json:"window_start"`
	WatchlistSize     int      `json:"watchlist_size"`
	AlertsTriggered   uint64   `json:"alerts_triggered"`
}

// HealthStatus 是流量健康度的三档评级。
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthElevated HealthStatus = "elevated"
	HealthCritical HealthStatus = "critical"
)

// Health 是健康检查的结果。UtilizationBps 是窗口流量
// 占每小时限额的万分比。PauserLinked 为假时监控器只能告警，
// 无法自动暂停账本。
type Health struct {
	Status         HealthStatus `json:"status"`
	WindowVolume   *big.Int     `json:"window_volume"`
	HourlyLimit    *big.Int     `json:"hourly_limit"`
	UtilizationBps int64        `json:"utilization_bps"`
	Flagged        int          `json:"flagged"`
	PauserLinked   bool         `json:"pauser_linked"`
	AlertsLinked   bool         `json:"alerts_linked"`
}

// Config 是监控器的阈值配置。零值字段回落到默认值。
type Config struct {
	SuspiciousAmount *big.Int
	MaxVolumePerHour *big.Int
}

// Monitor 对转账创建流做在线异常检测：单笔大额标记观察名单，
// 小时流量超限告警，超过两倍限额自动暂停账本。
// 监控只观察创建流，结清类操作不计入流量。
type Monitor struct {
	mu sync.Mutex

	admin   common.Address
	keepers map[common.Address]struct{}

	suspiciousAmount *big.Int
	maxVolumePerHour *big.Int
	autoPauseAt      *big.Int

	windowStart  int64
	windowVolume *big.Int
	windowTx     uint64

	totalTx     uint64
	totalVolume *big.Int
	alertsFired uint64
	addresses   map[common.Address]*AddressStats
	watchlist   map[common.Address]struct{}

	pauser      Pauser
	alerts      alerting.Dispatcher
	pauseFired  bool
	volumeFired bool

	now func() time.Time
	log *slog.Logger
}

// Option 配置 Monitor 的可选项。
type Option func(*Monitor)

// WithClock 覆盖监控器时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPauser 指定自动暂停通道。
func WithPauser(p Pauser) Option {
	return func(m *Monitor) { m.pauser = p }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Monitor) { m.alerts = d }
}

// New 创建监控器。admin 可以管理 keeper 与观察名单。
func New(admin common.Address, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		admin:            admin,
		keepers:          make(map[common.Address]struct{}),
		suspiciousAmount: DefaultSuspiciousAmount,
		maxVolumePerHour: DefaultMaxVolumePerHour,
		windowVolume:     big.NewInt(0),
		totalVolume:      big.NewInt(0),
		addresses:        make(map[common.Address]*AddressStats),
		watchlist:        make(map[common.Address]struct{}),
		now:              time.Now,
		log:              logger.Named("monitor"),
	}
	if cfg.SuspiciousAmount != nil && cfg.SuspiciousAmount.Sign() > 0 {
		m.suspiciousAmount = new(big.Int).Set(cfg.SuspiciousAmount)
	}
	if cfg.MaxVolumePerHour != nil && cfg.MaxVolumePerHour.Sign() > 0 {
		m.maxVolumePerHour = new(big.Int).Set(cfg.MaxVolumePerHour)
	}
	m.autoPauseAt = new(big.Int).Mul(m.maxVolumePerHour, big.NewInt(autoPauseMultiplier))
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.windowStart = m.now().Unix()
	return m
}

// ObserveCreation 记录一笔新建转账并运行全部检测规则。
// 由账本在创建成功后同步调用。
func (m *Monitor) ObserveCreation(ctx context.Context, sender common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	m.rollWindowLocked(now)

	m.totalTx++
	m.windowTx++
	m.totalVolume.Add(m.totalVolume, amount)
	m.windowVolume.Add(m.windowVolume, amount)

	stats := m.addresses[sender]
	if stats == nil {
		stats = &AddressStats{TotalVolume: big.NewInt(0)}
		m.addresses[sender] = stats
	}
	stats.TxCount++
	stats.TotalVolume.Add(stats.TotalVolume, amount)
	stats.LastSeen = now

	if amount.Cmp(m.suspiciousAmount) >= 0 {
		stats.Flagged = true
		m.watchlist[sender] = struct{}{}
		m.alert(ctx, CodeSuspiciousAmount, sender, amount, "单笔金额达到可疑阈值")
	}

	if m.windowVolume.Cmp(m.autoPauseAt) > 0 {
		m.autoPauseLocked(ctx, sender)
		return
	}
	if m.windowVolume.Cmp(m.maxVolumePerHour) > 0 && !m.volumeFired {
		m.volumeFired = true
		m.alert(ctx, CodeVolumeExceeded, sender, m.windowVolume, "小时流量超过限额")
	}
}

// rollWindowLocked 在窗口到期后整体清零。窗口固定不滑动。
func (m *Monitor) rollWindowLocked(now int64) {
	if now < m.windowStart+Window {
		return
	}
	m.windowStart = now
	m.windowVolume = big.NewInt(0)
	m.windowTx = 0
	m.volumeFired = false
	m.pauseFired = false
}

func (m *Monitor) autoPauseLocked(ctx context.Context, trigger common.Address) {
	if m.pauseFired {
		return
	}
	m.pauseFired = true
	m.alert(ctx, CodeAutoPause, trigger, m.windowVolume, "小时流量突破自动暂停阈值")
	if m.pauser == nil {
		m.log.Error("自动暂停通道未接线，仅告警", slog.String("window_volume", m.windowVolume.String()))
		return
	}
	if err := m.pauser.Pause(ctx, "anomaly monitor: hourly volume breached auto-pause threshold"); err != nil {
		m.log.Error("自动暂停失败", slog.Any("error", err))
		return
	}
	logger.Audit().Info("监控器触发自动暂停",
		slog.String("window_volume", m.windowVolume.String()),
		slog.String("threshold", m.autoPauseAt.String()),
		slog.String("trigger", trigger.Hex()),
	)
}

func (m *Monitor) alert(ctx context.Context, code xerrors.Code, addr common.Address, amount *big.Int, msg string) {
	m.alertsFired++
	if m.alerts == nil {
		return
	}
	evt := alerting.Event{
		Code:       code,
		Message:    msg,
		Severity:   xerrors.AttributesOf(code).Severity,
		Address:    addr.Hex(),
		Amount:     amount.String(),
		OccurredAt: m.now(),
	}
	if err := m.alerts.Notify(ctx, evt); err != nil {
		m.log.Error("告警分发失败", slog.Any("error", err), slog.String("code", string(code)))
	}
}

// ---- keeper 维护 ----

// AddKeeper 授权一个维护执行方，仅管理员可调用。
func (m *Monitor) AddKeeper(caller, keeper common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.admin {
		return ErrNotAdmin
	}
	m.keepers[keeper] = struct{}{}
	return nil
}

// RemoveKeeper 取消维护授权，仅管理员可调用。
func (m *Monitor) RemoveKeeper(caller, keeper common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.admin {
		return ErrNotAdmin
	}
	delete(m.keepers, keeper)
	return nil
}

// CheckUpkeep 判断是否需要执行维护：窗口已到期且存在残留流量。
// 只读，任何人可调用。
func (m *Monitor) CheckUpkeep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Unix() >= m.windowStart+Window && m.windowVolume.Sign() > 0
}

// PerformUpkeep 由授权 keeper 或管理员重置到期窗口。
// 即便无人执行，下一次观测也会自动滚动窗口，维护只是降低统计漂移。
func (m *Monitor) PerformUpkeep(caller common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorizedLocked(caller); err != nil {
		return err
	}
	m.rollWindowLocked(m.now().Unix())
	return nil
}

// SetThresholds 由管理员调整阈值。零值字段保持不变。
func (m *Monitor) SetThresholds(caller common.Address, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.admin {
		return ErrNotAdmin
	}
	if cfg.SuspiciousAmount != nil && cfg.SuspiciousAmount.Sign() > 0 {
		m.suspiciousAmount = new(big.Int).Set(cfg.SuspiciousAmount)
	}
	if cfg.MaxVolumePerHour != nil && cfg.MaxVolumePerHour.Sign() > 0 {
		m.maxVolumePerHour = new(big.Int).Set(cfg.MaxVolumePerHour)
		m.autoPauseAt = new(big.Int).Mul(m.maxVolumePerHour, big.NewInt(autoPauseMultiplier))
	}
	return nil
}

// ---- 观察名单 ----

// Flagged 判断地址是否在观察名单内。
func (m *Monitor) Flagged(addr common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchlist[addr]
	return ok
}

// AddToWatchlist 手动加入观察名单，管理员或 keeper 可调用。
func (m *Monitor) AddToWatchlist(caller, addr common.Address, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorizedLocked(caller); err != nil {
		return err
	}
	m.watchlist[addr] = struct{}{}
	stats := m.addresses[addr]
	if stats == nil {
		stats = &AddressStats{TotalVolume: big.NewInt(0)}
		m.addresses[addr] = stats
	}
	stats.Flagged = true
	logger.Audit().Info("手动加入观察名单",
		slog.String("address", addr.Hex()),
		slog.String("added_by", caller.Hex()),
		slog.String("reason", reason),
	)
	return nil
}

// RemoveFromWatchlist 将地址移出观察名单，管理员或 keeper 可调用。
// 历史画像保留。
func (m *Monitor) RemoveFromWatchlist(caller, addr common.Address, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorizedLocked(caller); err != nil {
		return err
	}
	delete(m.watchlist, addr)
	if stats := m.addresses[addr]; stats != nil {
		stats.Flagged = false
	}
	logger.Audit().Info("移出观察名单",
		slog.String("address", addr.Hex()),
		slog.String("removed_by", caller.Hex()),
		slog.String("reason", reason),
	)
	return nil
}

func (m *Monitor) authorizedLocked(caller common.Address) error {
	if caller == m.admin {
		return nil
	}
	if _, ok := m.keepers[caller]; ok {
		return nil
	}
	return ErrNotKeeper
}

// Watchlist 返回观察名单快照。
func (m *Monitor) Watchlist() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.watchlist))
	for addr := range m.watchlist {
		out = append(out, addr)
	}
	return out
}

// ---- 查询 ----

// Stats 返回单个地址的画像，未出现过的地址返回零值画像。
func (m *Monitor) Stats(addr common.Address) AddressStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.addresses[addr]
	if stats == nil {
		return AddressStats{TotalVolume: big.NewInt(0)}
	}
	return AddressStats{
		TxCount:     stats.TxCount,
		TotalVolume: new(big.Int).Set(stats.TotalVolume),
		LastSeen:    stats.LastSeen,
		Flagged:     stats.Flagged,
	}
}

// Overall 返回全局快照。
func (m *Monitor) Overall() OverallStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return OverallStats{
		TotalTransactions: m.totalTx,
		TotalVolume:       new(big.Int).Set(m.totalVolume),
		WindowVolume:      new(big.Int).Set(m.windowVolume),
		WindowTxCount:     m.windowTx,
		WindowStart:       m.windowStart,
		WatchlistSize:     len(m.watchlist),
		AlertsTriggered:   m.alertsFired,
	}
}

// HealthCheck 基于当前窗口流量给出三档健康评级：
// 未超过限额的 80% 为 healthy，超过 80% 为 elevated，超限为 critical。
func (m *Monitor) HealthCheck() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	utilization := new(big.Int).Mul(m.windowVolume, big.NewInt(10000))
	utilization.Div(utilization, m.maxVolumePerHour)
	bps := utilization.Int64()

	status := HealthHealthy
	switch {
	case bps >= 10000:
		status = HealthCritical
	case bps >= 8000:
		status = HealthElevated
	}
	return Health{
		Status:         status,
		WindowVolume:   new(big.Int).Set(m.windowVolume),
		HourlyLimit:    new(big.Int).Set(m.maxVolumePerHour),
		UtilizationBps: bps,
		Flagged:        len(m.watchlist),
		PauserLinked:   m.pauser != nil,
		AlertsLinked:   m.alerts != nil,
	}
}
