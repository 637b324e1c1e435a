package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
	"Reverso-Core/internal/event"
	"Reverso-Core/internal/observability/metrics"
	"Reverso-Core/pkg/logger"
)

// PausePolicy 决定暂停时除创建以外的操作是否也被拦截。
// 原有行为只拦截创建，保留为默认值；两种策略都必须可测。
type PausePolicy int

const (
	// PauseBlocksCreateOnly 暂停仅阻止新转账创建，存量转账仍可结清。
	PauseBlocksCreateOnly PausePolicy = iota
	// PauseBlocksAll 暂停同时阻止 cancel/claim/refund 等结清操作。
	PauseBlocksAll
)

// Payer 是资金外付边界。实现方在内部状态全部落账之后才会被调用，
// 因此即便实现方回调账本，也只会观察到终态并收到状态错误。
type Payer interface {
	Pay(ctx context.Context, asset common.Address, to common.Address, amount *big.Int) error
}

// Observer 在每笔转账创建成功后被同步调用，异常监控实现该接口。
type Observer interface {
	ObserveCreation(ctx context.Context, sender common.Address, amount *big.Int)
}

// GuardianCheck 判断某地址是否持有守护人权限，由监管机构在关联时注入。
type GuardianCheck func(addr common.Address) bool

// CreateParams 是创建转账的全部入参。
type CreateParams struct {
	Sender        common.Address
	Recipient     common.Address
	Asset         common.Address
	GrossAmount   *big.Int
	Delay         int64
	ExpiryPeriod  int64
	Recovery1     common.Address
	Recovery2     common.Address
	Memo          string
	WithInsurance bool
}

// RefundOutcome 是批量退款中单个 ID 的处理结果。
type RefundOutcome struct {
	ID       uint64
	Refunded bool
	Err      error
}

// Service 拥有全部转账状态迁移与资金口径。同一时刻只有一个
// 变更操作在执行：状态落账、事件追加、资金外付依次完成后才轮到下一个。
type Service struct {
	mu sync.Mutex

	store Store
	rec   *event.Recorder
	payer Payer

	observer      Observer
	guardianCheck GuardianCheck

	controller common.Address
	treasury   common.Address

	paused      bool
	pausePolicy PausePolicy

	now func() time.Time
	log *slog.Logger
}

// Option 配置 Service 的可选项。
type Option func(*Service)

// WithRecorder 指定事件记录器。
func WithRecorder(rec *event.Recorder) Option {
	return func(s *Service) { s.rec = rec }
}

// WithPayer 指定资金外付实现。
func WithPayer(payer Payer) Option {
	return func(s *Service) { s.payer = payer }
}

// WithClock 覆盖服务时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPausePolicy 指定暂停策略。
func WithPausePolicy(policy PausePolicy) Option {
	return func(s *Service) { s.pausePolicy = policy }
}

// WithTreasury 指定手续费入账地址。
func WithTreasury(treasury common.Address) Option {
	return func(s *Service) { s.treasury = treasury }
}

// NewService 构造账本服务。controller 是唯一可以调用特权入口的主体，
// 通常是监管机构的主体地址。
func NewService(store Store, controller common.Address, opts ...Option) *Service {
	s := &Service{
		store:      store,
		controller: controller,
		now:        time.Now,
		log:        logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetObserver 关联异常监控。创建事件会被同步转发给它。
func (s *Service) SetObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = obs
}

// SetGuardianCheck 注入守护人判定，由监管机构在关联时调用。
func (s *Service) SetGuardianCheck(check GuardianCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardianCheck = check
}

// CreateTransfer 创建一笔可撤销转账。任何校验失败都同步拒绝，不留半成品状态。
// 观察者在锁外通知：监控可能经由监管机构同步回调账本（自动暂停），
// 持锁通知会让该回调在自己的锁上等死。
func (s *Service) CreateTransfer(ctx context.Context, p CreateParams) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("create", err) }()

	t, obs, err := s.createLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	if obs != nil {
		obs.ObserveCreation(ctx, t.Sender, t.GrossAmount)
	}
	return t, nil
}

func (s *Service) createLocked(ctx context.Context, p CreateParams) (*Transfer, Observer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if s.paused {
		return nil, nil, ErrLedgerPaused
	}
	if err := validateCreate(p); err != nil {
		return nil, nil, err
	}

	quote, err := QuoteFee(p.GrossAmount, p.WithInsurance)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().Unix()
	t := &Transfer{
		Sender:           p.Sender,
		Recipient:        p.Recipient,
		Asset:            p.Asset,
		GrossAmount:      new(big.Int).Set(p.GrossAmount),
		NetAmount:        quote.NetAmount,
		Fee:              quote.Fee,
		Premium:          quote.Premium,
		CreatedAt:        now,
		UnlockAt:         now + p.Delay,
		ExpiresAt:        now + p.Delay + p.ExpiryPeriod,
		RecoveryAddress1: p.Recovery1,
		RecoveryAddress2: p.Recovery2,
		Memo:             p.Memo,
		Status:           StatusPending,
		HasInsurance:     p.WithInsurance,
	}

	// 插入与三个资金口径的记账由存储在同一事务内完成。
	if err := s.store.Create(ctx, t); err != nil {
		return nil, nil, err
	}

	s.emit(ctx, event.Event{
		Type:       event.TypeTransferCreated,
		TransferID: t.ID,
		Actor:      t.Sender.Hex(),
		Asset:      t.Asset.Hex(),
		Amount:     t.NetAmount.String(),
	})

	// 手续费在创建时即时外付到 treasury。
	s.pay(ctx, t.Asset, s.treasury, t.Fee)

	return t.Clone(), s.observer, nil
}

// CreateTransferSimple 使用默认延迟与过期窗口创建转账，
// 恢复地址均回落为发送方。
func (s *Service) CreateTransferSimple(ctx context.Context, sender, recipient, asset common.Address, gross *big.Int, memo string) (*Transfer, error) {
	return s.CreateTransfer(ctx, CreateParams{
		Sender:       sender,
		Recipient:    recipient,
		Asset:        asset,
		GrossAmount:  gross,
		Delay:        DefaultDelay,
		ExpiryPeriod: DefaultExpiryPeriod,
		Recovery1:    sender,
		Recovery2:    sender,
		Memo:         memo,
	})
}

func validateCreate(p CreateParams) error {
	if p.Recipient == (common.Address{}) || p.Recipient == p.Sender {
		return xerrors.New(CodeTransferValidation, "接收方地址无效")
	}
	if p.GrossAmount == nil || p.GrossAmount.Sign() <= 0 {
		return xerrors.New(CodeTransferValidation, "转账金额必须为正数")
	}
	if p.Delay < MinDelay || p.Delay > MaxDelay {
		return xerrors.New(CodeTransferValidation, "延迟必须在 1 小时与 30 天之间")
	}
	if p.ExpiryPeriod < MinExpiryPeriod {
		return xerrors.New(CodeTransferValidation, "过期窗口过短")
	}
	if len(p.Memo) > MaxMemoBytes {
		return xerrors.New(CodeTransferValidation, "备注超过 256 字节")
	}
	return nil
}

// Cancel 由发送方在解锁前撤销转账并取回净额。
func (s *Service) Cancel(ctx context.Context, id uint64, caller common.Address) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("cancel", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolutionAllowed(); err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferNotPending
	}
	if caller != t.Sender {
		return nil, ErrNotSender
	}
	if s.now().Unix() >= t.UnlockAt {
		return nil, ErrTransferUnlocked
	}
	return s.settle(ctx, t, StatusCancelled, "cancelled by sender", t.Sender, event.TypeTransferCancelled, caller)
}

// Claim 由接收方在解锁后、过期前领取净额。
func (s *Service) Claim(ctx context.Context, id uint64, caller common.Address) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("claim", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolutionAllowed(); err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferNotPending
	}
	if caller != t.Recipient {
		return nil, ErrNotRecipient
	}
	now := s.now().Unix()
	if now < t.UnlockAt {
		return nil, ErrTransferStillLocked
	}
	if now >= t.ExpiresAt {
		return nil, ErrTransferExpired
	}
	return s.settle(ctx, t, StatusClaimed, "claimed by recipient", t.Recipient, event.TypeTransferClaimed, caller)
}

// RefundExpired 在过期后把净额退回发送方。公共清理操作，任何人可调用。
func (s *Service) RefundExpired(ctx context.Context, id uint64, caller common.Address) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("refund", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundExpiredLocked(ctx, id, caller, 0, "expired, refunded to sender")
}

// RescueAbandoned 在过期后再经过救援宽限期，任何人可强制退款，
// 防止清理长期缺位导致资金永久滞留。
func (s *Service) RescueAbandoned(ctx context.Context, id uint64, caller common.Address) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("rescue", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundExpiredLocked(ctx, id, caller, RescuePeriod, "abandoned, rescued to sender")
}

func (s *Service) refundExpiredLocked(ctx context.Context, id uint64, caller common.Address, grace int64, reason string) (*Transfer, error) {
	if err := s.resolutionAllowed(); err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferNotPending
	}
	if s.now().Unix() < t.ExpiresAt+grace {
		return nil, ErrTransferNotExpired
	}
	return s.settle(ctx, t, StatusRefunded, reason, t.Sender, event.TypeTransferRefunded, caller)
}

// BatchRefundExpired 独立处理每个 ID：不符合条件的跳过，
// 已完成的条目绝不因后续条目失败而回滚。
func (s *Service) BatchRefundExpired(ctx context.Context, ids []uint64, caller common.Address) []RefundOutcome {
	outcomes := make([]RefundOutcome, 0, len(ids))
	for _, id := range ids {
		s.mu.Lock()
		_, err := s.refundExpiredLocked(ctx, id, caller, 0, "expired, refunded to sender")
		s.mu.Unlock()
		outcomes = append(outcomes, RefundOutcome{ID: id, Refunded: err == nil, Err: err})
	}
	return outcomes
}

// FreezeTransfer 是守护人的紧急干预：不受解锁时间限制，
// 立即撤销 Pending 转账并把净额退回发送方，冻结理由进入审计日志。
func (s *Service) FreezeTransfer(ctx context.Context, id uint64, reason string, caller common.Address) (_ *Transfer, err error) {
	defer func() { metrics.ObserveLedgerOperation("freeze", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.guardianCheck == nil || !s.guardianCheck(caller) {
		return nil, ErrNotGuardian
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferNotPending
	}

	frozen, err := s.settle(ctx, t, StatusCancelled, reason, t.Sender, event.TypeTransferFrozen, caller)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("转账被守护人冻结",
		slog.Uint64("transfer_id", id),
		slog.String("guardian", caller.Hex()),
		slog.String("reason", reason),
	)
	return frozen, nil
}

// settle 完成一次终态迁移：CAS 落账与锁定额扣减由存储原子完成，
// 之后追加事件，最后外付。
func (s *Service) settle(ctx context.Context, t *Transfer, to Status, reason string, payee common.Address, evtType event.Type, actor common.Address) (*Transfer, error) {
	settled, err := s.store.Transition(ctx, t.ID, StatusPending, to, reason, s.now().Unix())
	if err != nil {
		return nil, err
	}

	s.emit(ctx, event.Event{
		Type:       evtType,
		TransferID: t.ID,
		Actor:      actor.Hex(),
		Asset:      t.Asset.Hex(),
		Amount:     t.NetAmount.String(),
		Reason:     reason,
	})
	s.pay(ctx, t.Asset, payee, t.NetAmount)
	return settled, nil
}

// ManualRefund 是管理方的人工兜底通道，直接从未锁定余额外付。
// 金额与任何 Pending 转账无关，因此不触碰锁定额口径。
func (s *Service) ManualRefund(ctx context.Context, id uint64, to common.Address, asset common.Address, amount *big.Int, reason string, caller common.Address) (err error) {
	defer func() { metrics.ObserveLedgerOperation("manual_refund", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.controller {
		return ErrNotController
	}
	if to == (common.Address{}) {
		return xerrors.New(CodeTransferValidation, "收款地址无效")
	}
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeTransferValidation, "退款金额必须为正数")
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}

	s.emit(ctx, event.Event{
		Type:       event.TypeManualRefundIssued,
		TransferID: id,
		Actor:      caller.Hex(),
		Asset:      asset.Hex(),
		Amount:     amount.String(),
		Reason:     reason,
	})
	logger.Audit().Info("人工退款",
		slog.Uint64("transfer_id", id),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
		slog.String("operator", caller.Hex()),
		slog.String("reason", reason),
	)
	s.pay(ctx, asset, to, amount)
	return nil
}

// PayInsuranceClaim 从保险池赔付受害人。被引用的转账状态保持不变，
// 赔付只是挂靠其 ID 以便审计。
func (s *Service) PayInsuranceClaim(ctx context.Context, id uint64, victim common.Address, payout *big.Int, reason string, caller common.Address) (err error) {
	defer func() { metrics.ObserveLedgerOperation("insurance_claim", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.controller {
		return ErrNotController
	}
	if victim == (common.Address{}) {
		return xerrors.New(CodeTransferValidation, "受害人地址无效")
	}
	if payout == nil || payout.Sign() <= 0 {
		return xerrors.New(CodeTransferValidation, "赔付金额必须为正数")
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.store.AdjustBalance(ctx, BalanceInsurancePool, t.Asset, new(big.Int).Neg(payout)); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInsufficientFunds {
			return ErrInsufficientPool
		}
		return err
	}

	s.emit(ctx, event.Event{
		Type:       event.TypeInsuranceClaimPaid,
		TransferID: id,
		Actor:      caller.Hex(),
		Asset:      t.Asset.Hex(),
		Amount:     payout.String(),
		Reason:     reason,
	})
	logger.Audit().Info("保险赔付",
		slog.Uint64("transfer_id", id),
		slog.String("victim", victim.Hex()),
		slog.String("payout", payout.String()),
		slog.String("operator", caller.Hex()),
		slog.String("reason", reason),
	)
	s.pay(ctx, t.Asset, victim, payout)
	return nil
}

// SetPaused 是监管机构专用的特权入口。
func (s *Service) SetPaused(ctx context.Context, paused bool, caller common.Address, reason string) (err error) {
	defer func() { metrics.ObserveLedgerOperation("set_paused", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.controller {
		return ErrNotController
	}
	if s.paused == paused {
		return nil
	}
	s.paused = paused

	evtType := event.TypeLedgerPaused
	if !paused {
		evtType = event.TypeLedgerUnpaused
	}
	s.emit(ctx, event.Event{Type: evtType, Actor: caller.Hex(), Reason: reason})
	s.log.Warn("账本暂停状态变更",
		slog.Bool("paused", paused),
		slog.String("caller", caller.Hex()),
		slog.String("reason", reason),
	)
	return nil
}

// SetTreasury 更新手续费入账地址，仅监管机构可调用。
func (s *Service) SetTreasury(ctx context.Context, treasury common.Address, caller common.Address) (err error) {
	defer func() { metrics.ObserveLedgerOperation("set_treasury", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.controller {
		return ErrNotController
	}
	if treasury == (common.Address{}) {
		return xerrors.New(CodeTransferValidation, "treasury 地址无效")
	}
	s.treasury = treasury
	s.emit(ctx, event.Event{Type: event.TypeTreasuryChanged, Actor: caller.Hex(), Reason: treasury.Hex()})
	return nil
}

func (s *Service) resolutionAllowed() error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if s.paused && s.pausePolicy == PauseBlocksAll {
		return ErrLedgerPaused
	}
	return nil
}

func (s *Service) emit(ctx context.Context, evt event.Event) {
	if err := s.rec.Emit(ctx, evt); err != nil {
		s.log.Error("事件发布失败", slog.Any("error", err), slog.String("type", string(evt.Type)))
	}
}

func (s *Service) pay(ctx context.Context, asset, to common.Address, amount *big.Int) {
	if s.payer == nil || amount == nil || amount.Sign() == 0 || to == (common.Address{}) {
		return
	}
	if err := s.payer.Pay(ctx, asset, to, amount); err != nil {
		// 状态已落账，外付失败只告警，由结算通道自行重试。
		s.log.Error("资金外付失败",
			slog.Any("error", err),
			slog.String("asset", asset.Hex()),
			slog.String("to", to.Hex()),
			slog.String("amount", amount.String()),
		)
	}
}

// ---- 只读查询 ----

// GetTransfer 返回指定转账。
func (s *Service) GetTransfer(ctx context.Context, id uint64) (*Transfer, error) {
	return s.store.Get(ctx, id)
}

// SentTransfers 返回某地址发起的全部转账。
func (s *Service) SentTransfers(ctx context.Context, sender common.Address) ([]*Transfer, error) {
	return s.store.ListBySender(ctx, sender)
}

// ReceivedTransfers 返回某地址接收的全部转账。
func (s *Service) ReceivedTransfers(ctx context.Context, recipient common.Address) ([]*Transfer, error) {
	return s.store.ListByRecipient(ctx, recipient)
}

// ListExpiredPending 返回已过期但尚未结清的转账 ID，供清理任务使用。
func (s *Service) ListExpiredPending(ctx context.Context, limit int) ([]uint64, error) {
	return s.store.ListExpiredPending(ctx, s.now().Unix(), limit)
}

// LockedValue 返回某资产当前锁定的净额总量。
func (s *Service) LockedValue(ctx context.Context, asset common.Address) (*big.Int, error) {
	return s.store.Balance(ctx, BalanceLocked, asset)
}

// InsurancePoolBalance 返回某资产的保险池余额。
func (s *Service) InsurancePoolBalance(ctx context.Context, asset common.Address) (*big.Int, error) {
	return s.store.Balance(ctx, BalanceInsurancePool, asset)
}

// TreasuryFeesCollected 返回某资产累计收取的手续费。
func (s *Service) TreasuryFeesCollected(ctx context.Context, asset common.Address) (*big.Int, error) {
	return s.store.Balance(ctx, BalanceTreasuryFees, asset)
}

// CanCancel 判断发送方当前能否撤销。
func (s *Service) CanCancel(ctx context.Context, id uint64) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == StatusPending && s.now().Unix() < t.UnlockAt, nil
}

// CanClaim 判断接收方当前能否领取。
func (s *Service) CanClaim(ctx context.Context, id uint64) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := s.now().Unix()
	return t.Status == StatusPending && now >= t.UnlockAt && now < t.ExpiresAt, nil
}

// TimeUntilUnlock 返回距解锁的剩余秒数，已解锁时为 0。
func (s *Service) TimeUntilUnlock(ctx context.Context, id uint64) (int64, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return remaining(t.UnlockAt, s.now().Unix()), nil
}

// TimeUntilExpiry 返回距过期的剩余秒数，已过期时为 0。
func (s *Service) TimeUntilExpiry(ctx context.Context, id uint64) (int64, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return remaining(t.ExpiresAt, s.now().Unix()), nil
}

func remaining(deadline, now int64) int64 {
	if now >= deadline {
		return 0
	}
	return deadline - now
}

// Paused 返回账本是否处于暂停状态。
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Treasury 返回当前的手续费入账地址。
func (s *Service) Treasury() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treasury
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
