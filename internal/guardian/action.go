package guardian

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
)

// ActionType 标识需要双人复核与时间锁的特权操作种类。
type ActionType string

const (
	// ActionChangeTreasury 变更账本的手续费入账地址。
	ActionChangeTreasury ActionType = "change_treasury"
	// ActionUnpause 解除账本暂停。暂停可以由任一守护人即时触发，
	// 解除则必须走完整的复核流程。
	ActionUnpause ActionType = "unpause"
	// ActionChangeSecondary 更换次要签署人。
	ActionChangeSecondary ActionType = "change_secondary"
)

// Valid 判断操作种类是否在已知集合内。
func (t ActionType) Valid() bool {
	switch t {
	case ActionChangeTreasury, ActionUnpause, ActionChangeSecondary:
		return true
	}
	return false
}

// ActionStatus 表示特权操作在复核流程中的阶段。
type ActionStatus uint8

const (
	ActionPending ActionStatus = iota
	ActionConfirmed
	ActionExecuted
	ActionCancelled
)

// String 返回阶段的可读名称。
func (s ActionStatus) String() string {
	switch s {
	case ActionPending:
		return "pending"
	case ActionConfirmed:
		return "confirmed"
	case ActionExecuted:
		return "executed"
	case ActionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Timelock 是从提案到可执行的最短间隔，单位为秒。
const Timelock = 24 * 3600

// Action 记录一次特权操作从提案到终态的全过程。
// 提案人与确认人必须是不同的守护人。
type Action struct {
	ID           uint64         `json:"id"`
	Type         ActionType     `json:"type"`
	Target       common.Address `json:"target"`
	Reason       string         `json:"reason,omitempty"`
	ProposedBy   common.Address `json:"proposed_by"`
	ConfirmedBy  common.Address `json:"confirmed_by,omitempty"`
	ProposedAt   int64          `json:"proposed_at"`
	ExecutableAt int64          `json:"executable_at"`
	SettledAt    int64          `json:"settled_at,omitempty"`
	Status       ActionStatus   `json:"status"`
}

// Clone 返回拷贝，避免调用方篡改存储内部状态。
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

var (
	// ErrActionNotFound 表示指定的特权操作不存在。
	ErrActionNotFound = xerrors.New(CodeActionNotFound, "action not found")
	// ErrActionSettled 表示操作已执行或已取消。
	ErrActionSettled = xerrors.New(CodeActionSettled, "action already settled")
	// ErrActionNotConfirmed 表示操作尚未经第二名守护人确认。
	ErrActionNotConfirmed = xerrors.New(CodeActionNotConfirmed, "action not confirmed")
	// ErrTimelockActive 表示时间锁尚未到期。
	ErrTimelockActive = xerrors.New(CodeTimelockActive, "timelock has not elapsed")
	// ErrSelfConfirm 表示确认人与提案人相同，违反双人复核。
	ErrSelfConfirm = xerrors.New(CodeSelfConfirm, "proposer cannot confirm own action")
	// ErrNotGuardian 表示调用方不在守护人集合内。
	ErrNotGuardian = xerrors.New(xerrors.CodeNotAuthorized, "caller is not a guardian")
	// ErrNotSigner 表示提案权仅限所有人与次要签署人。
	ErrNotSigner = xerrors.New(xerrors.CodeNotAuthorized, "only the owner or secondary signer may propose")
	// ErrNotOwner 表示调用方不是机构所有人。
	ErrNotOwner = xerrors.New(xerrors.CodeNotAuthorized, "caller is not the owner")
	// ErrGuardianProtected 表示所有人与次要签署人不可被移除。
	ErrGuardianProtected = xerrors.New(CodeGuardianProtected, "owner and secondary signer cannot be removed")
	// ErrGuardianExists 表示地址已经是守护人。
	ErrGuardianExists = xerrors.New(CodeGuardianExists, "address is already a guardian")
)

const (
	CodeActionNotFound     xerrors.Code = "ACTION_NOT_FOUND"
	CodeActionSettled      xerrors.Code = "ACTION_ALREADY_SETTLED"
	CodeActionNotConfirmed xerrors.Code = "ACTION_NOT_CONFIRMED"
	CodeTimelockActive     xerrors.Code = "ACTION_TIMELOCK_ACTIVE"
	CodeSelfConfirm        xerrors.Code = "ACTION_SELF_CONFIRM"
	CodeGuardianProtected  xerrors.Code = "GUARDIAN_PROTECTED"
	CodeGuardianExists     xerrors.Code = "GUARDIAN_EXISTS"
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{
		Message:   "action not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionSettled, xerrors.Attributes{
		Message:   "action already settled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionNotConfirmed, xerrors.Attributes{
		Message:   "action not confirmed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTimelockActive, xerrors.Attributes{
		Message:   "timelock has not elapsed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSelfConfirm, xerrors.Attributes{
		Message:   "proposer cannot confirm own action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGuardianProtected, xerrors.Attributes{
		Message:   "owner and secondary signer cannot be removed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGuardianExists, xerrors.Attributes{
		Message:   "address is already a guardian",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
