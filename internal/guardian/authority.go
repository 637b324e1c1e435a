package guardian

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
	"Reverso-Core/internal/event"
	"Reverso-Core/pkg/logger"
)

// LedgerAdmin 是监管机构对账本施加的全部能力。
// 接口定义在这里而不是账本侧，避免双向依赖。
type LedgerAdmin interface {
	SetPaused(ctx context.Context, paused bool, caller common.Address, reason string) error
	SetTreasury(ctx context.Context, treasury common.Address, caller common.Address) error
}

// Authority 是账本之上的监管机构：维护守护人集合，
// 对高危操作强制执行双人复核与 24 小时时间锁。
// 紧急暂停是唯一的即时通道，解除暂停必须走完整流程。
type Authority struct {
	mu sync.Mutex

	self      common.Address
	owner     common.Address
	secondary common.Address
	guardians map[common.Address]struct{}

	store  ActionStore
	ledger LedgerAdmin
	rec    *event.Recorder

	// emergencyMode 在紧急暂停后置位，解除暂停的提案执行后清除。
	emergencyMode bool

	now func() time.Time
	log *slog.Logger
}

// Option 配置 Authority 的可选项。
type Option func(*Authority)

// WithClock 覆盖机构时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithRecorder 指定事件记录器，通常与账本共用同一个实例。
func WithRecorder(rec *event.Recorder) Option {
	return func(a *Authority) { a.rec = rec }
}

// NewAuthority 构造监管机构。self 是机构自身的主体地址，
// 账本应以它作为 controller。owner 与 secondary 是两名永久守护人，
// 二者不可被移除，守护人集合因此恒不少于两人。
func NewAuthority(self, owner, secondary common.Address, store ActionStore, ledger LedgerAdmin, opts ...Option) (*Authority, error) {
	if owner == (common.Address{}) || secondary == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 与 secondary 地址不能为空")
	}
	if owner == secondary {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 与 secondary 必须是不同地址")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	a := &Authority{
		self:      self,
		owner:     owner,
		secondary: secondary,
		guardians: map[common.Address]struct{}{owner: {}, secondary: {}},
		store:     store,
		ledger:    ledger,
		now:       time.Now,
		log:       logger.Named("guardian"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Self 返回机构的主体地址。
func (a *Authority) Self() common.Address { return a.self }

// Owner 返回机构所有人。
func (a *Authority) Owner() common.Address { return a.owner }

// Secondary 返回次要签署人。
func (a *Authority) Secondary() common.Address { return a.secondary }

// IsGuardian 判断某地址是否在守护人集合内。账本的守护人判定注入自此方法。
func (a *Authority) IsGuardian(addr common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.guardians[addr]
	return ok
}

// Guardians 返回当前守护人集合的快照，按地址升序。
func (a *Authority) Guardians() []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]common.Address, 0, len(a.guardians))
	for addr := range a.guardians {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Propose 由所有人或次要签署人发起特权操作。紧急守护人只能触发
// 即时暂停，不能提案。时间锁从提案时刻起算，确认并不会重置倒计时。
func (a *Authority) Propose(ctx context.Context, caller common.Address, actionType ActionType, target common.Address, reason string) (*Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isGuardianLocked(caller) {
		return nil, ErrNotGuardian
	}
	if caller != a.owner && caller != a.secondary {
		return nil, ErrNotSigner
	}
	if !actionType.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的操作种类")
	}
	if actionType != ActionUnpause && target == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标地址不能为空")
	}

	now := a.now().Unix()
	action := &Action{
		Type:         actionType,
		Target:       target,
		Reason:       reason,
		ProposedBy:   caller,
		ProposedAt:   now,
		ExecutableAt: now + Timelock,
		Status:       ActionPending,
	}
	if err := a.store.Create(ctx, action); err != nil {
		return nil, err
	}

	a.emit(ctx, event.Event{
		Type:     event.TypeActionProposed,
		ActionID: action.ID,
		Actor:    caller.Hex(),
		Reason:   string(actionType),
	})
	logger.Audit().Info("特权操作已提案",
		slog.Uint64("action_id", action.ID),
		slog.String("type", string(actionType)),
		slog.String("target", target.Hex()),
		slog.String("proposed_by", caller.Hex()),
	)
	return action.Clone(), nil
}

// Confirm 由另一名守护人确认提案。提案人自己确认会被拒绝。
func (a *Authority) Confirm(ctx context.Context, caller common.Address, id uint64) (*Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isGuardianLocked(caller) {
		return nil, ErrNotGuardian
	}
	action, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != ActionPending {
		return nil, ErrActionSettled
	}
	if action.ProposedBy == caller {
		return nil, ErrSelfConfirm
	}

	action.ConfirmedBy = caller
	action.Status = ActionConfirmed
	if err := a.store.Update(ctx, action); err != nil {
		return nil, err
	}
	return action.Clone(), nil
}

// Execute 在确认完成且时间锁到期后执行操作效果。
func (a *Authority) Execute(ctx context.Context, caller common.Address, id uint64) (*Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isGuardianLocked(caller) {
		return nil, ErrNotGuardian
	}
	action, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch action.Status {
	case ActionConfirmed:
	case ActionPending:
		return nil, ErrActionNotConfirmed
	default:
		return nil, ErrActionSettled
	}
	if a.now().Unix() < action.ExecutableAt {
		return nil, ErrTimelockActive
	}

	if err := a.applyLocked(ctx, action); err != nil {
		return nil, err
	}

	action.Status = ActionExecuted
	action.SettledAt = a.now().Unix()
	if err := a.store.Update(ctx, action); err != nil {
		return nil, err
	}

	a.emit(ctx, event.Event{
		Type:     event.TypeActionExecuted,
		ActionID: action.ID,
		Actor:    caller.Hex(),
		Reason:   string(action.Type),
	})
	logger.Audit().Info("特权操作已执行",
		slog.Uint64("action_id", action.ID),
		slog.String("type", string(action.Type)),
		slog.String("target", action.Target.Hex()),
		slog.String("executed_by", caller.Hex()),
	)
	return action.Clone(), nil
}

func (a *Authority) applyLocked(ctx context.Context, action *Action) error {
	switch action.Type {
	case ActionChangeTreasury:
		if a.ledger == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "账本未关联")
		}
		return a.ledger.SetTreasury(ctx, action.Target, a.self)
	case ActionUnpause:
		if a.ledger == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "账本未关联")
		}
		if err := a.ledger.SetPaused(ctx, false, a.self, action.Reason); err != nil {
			return err
		}
		a.emergencyMode = false
		return nil
	case ActionChangeSecondary:
		if _, ok := a.guardians[action.Target]; ok && action.Target != a.secondary {
			return ErrGuardianExists
		}
		delete(a.guardians, a.secondary)
		a.secondary = action.Target
		a.guardians[a.secondary] = struct{}{}
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的操作种类")
	}
}

// CancelAction 由提案人或所有人在执行前撤回提案。
func (a *Authority) CancelAction(ctx context.Context, caller common.Address, id uint64) (*Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	action, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != action.ProposedBy && caller != a.owner {
		return nil, ErrNotGuardian
	}
	if action.Status != ActionPending && action.Status != ActionConfirmed {
		return nil, ErrActionSettled
	}

	action.Status = ActionCancelled
	action.SettledAt = a.now().Unix()
	if err := a.store.Update(ctx, action); err != nil {
		return nil, err
	}
	a.emit(ctx, event.Event{
		Type:     event.TypeActionCancelled,
		ActionID: action.ID,
		Actor:    caller.Hex(),
		Reason:   string(action.Type),
	})
	return action.Clone(), nil
}

// EmergencyPause 是唯一绕过时间锁的通道：任一守护人可即时暂停账本。
func (a *Authority) EmergencyPause(ctx context.Context, caller common.Address, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isGuardianLocked(caller) {
		return ErrNotGuardian
	}
	if a.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "账本未关联")
	}
	if err := a.ledger.SetPaused(ctx, true, a.self, reason); err != nil {
		return err
	}
	a.emergencyMode = true
	logger.Audit().Info("紧急暂停",
		slog.String("guardian", caller.Hex()),
		slog.String("reason", reason),
	)
	return nil
}

// EmergencyMode 报告机构是否处于紧急暂停后的待解除状态。
func (a *Authority) EmergencyMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emergencyMode
}

// AddEmergencyGuardian 由所有人直接增补守护人，不经时间锁。
// 扩大冻结能力的风险远低于延误冻结的风险。
func (a *Authority) AddEmergencyGuardian(ctx context.Context, caller, addr common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.owner {
		return ErrNotOwner
	}
	if addr == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "守护人地址不能为空")
	}
	if _, ok := a.guardians[addr]; ok {
		return ErrGuardianExists
	}
	a.guardians[addr] = struct{}{}
	logger.Audit().Info("新增守护人",
		slog.String("guardian", addr.Hex()),
		slog.String("added_by", caller.Hex()),
	)
	return nil
}

// RemoveEmergencyGuardian 由所有人移除守护人。
// owner 与 secondary 是永久成员，移除请求会被拒绝。
func (a *Authority) RemoveEmergencyGuardian(ctx context.Context, caller, addr common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if caller != a.owner {
		return ErrNotOwner
	}
	if addr == a.owner || addr == a.secondary {
		return ErrGuardianProtected
	}
	if _, ok := a.guardians[addr]; !ok {
		return ErrNotGuardian
	}
	delete(a.guardians, addr)
	logger.Audit().Info("移除守护人",
		slog.String("guardian", addr.Hex()),
		slog.String("removed_by", caller.Hex()),
	)
	return nil
}

// GetAction 返回指定操作。
func (a *Authority) GetAction(ctx context.Context, id uint64) (*Action, error) {
	return a.store.Get(ctx, id)
}

// OpenActions 返回尚未进入终态的操作列表。
func (a *Authority) OpenActions(ctx context.Context) ([]*Action, error) {
	return a.store.ListOpen(ctx)
}

// TimelockRemaining 返回距离可执行还剩的秒数，已到期或已终态时返回 0。
func (a *Authority) TimelockRemaining(ctx context.Context, id uint64) (int64, error) {
	action, err := a.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if action.Status == ActionExecuted || action.Status == ActionCancelled {
		return 0, nil
	}
	remaining := action.ExecutableAt - a.now().Unix()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Close 释放资源。
func (a *Authority) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *Authority) isGuardianLocked(addr common.Address) bool {
	_, ok := a.guardians[addr]
	return ok
}

func (a *Authority) emit(ctx context.Context, evt event.Event) {
	if err := a.rec.Emit(ctx, evt); err != nil {
		a.log.Error("事件发布失败", slog.Any("error", err), slog.String("type", string(evt.Type)))
	}
}
