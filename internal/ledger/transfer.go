package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
)

// Status 表示转账在生命周期中的状态。Pending 之外的状态都是终态。
type Status uint8

const (
	StatusPending Status = iota
	StatusClaimed
	StatusCancelled
	StatusRefunded
)

// String 返回状态的可读名称。
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusCancelled:
		return "cancelled"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s != StatusPending
}

// 时间与校验约束，单位为秒。
const (
	MinDelay            = 3600          // 1 小时
	MaxDelay            = 30 * 86400    // 30 天
	MinExpiryPeriod     = 3600          // 过期窗口下限
	DefaultDelay        = 86400         // 简化入口的默认延迟
	DefaultExpiryPeriod = 30 * 86400    // 简化入口的默认过期窗口
	RescuePeriod        = 90 * 86400    // 过期后再经过该宽限期，任何人可强制退款
	MaxMemoBytes        = 256
)

// NativeAsset 表示原生计价单位。零地址约定为原生资产。
var NativeAsset = common.Address{}

// Transfer 描述一笔可撤销转账。终态后记录不再变更，仅作历史留存。
type Transfer struct {
	ID               uint64         `json:"id"`
	Sender           common.Address `json:"sender"`
	Recipient        common.Address `json:"recipient"`
	Asset            common.Address `json:"asset"`
	GrossAmount      *big.Int       `json:"gross_amount"`
	NetAmount        *big.Int       `json:"net_amount"`
	Fee              *big.Int       `json:"fee"`
	Premium          *big.Int       `json:"premium"`
	CreatedAt        int64          `json:"created_at"`
	UnlockAt         int64          `json:"unlock_at"`
	ExpiresAt        int64          `json:"expires_at"`
	RecoveryAddress1 common.Address `json:"recovery_address_1"`
	RecoveryAddress2 common.Address `json:"recovery_address_2"`
	Memo             string         `json:"memo"`
	Status           Status         `json:"status"`
	HasInsurance     bool           `json:"has_insurance"`
	StatusReason     string         `json:"status_reason,omitempty"`
	SettledAt        int64          `json:"settled_at,omitempty"`
}

// Clone 返回深拷贝，避免调用方篡改存储内部状态。
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	clone := *t
	clone.GrossAmount = cloneBig(t.GrossAmount)
	clone.NetAmount = cloneBig(t.NetAmount)
	clone.Fee = cloneBig(t.Fee)
	clone.Premium = cloneBig(t.Premium)
	return &clone
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

var (
	// ErrTransferNotFound 表示指定的转账不存在。
	ErrTransferNotFound = xerrors.New(CodeTransferNotFound, "transfer not found")
	// ErrTransferNotPending 表示转账已进入终态。
	ErrTransferNotPending = xerrors.New(CodeTransferNotPending, "transfer is not pending")
	// ErrTransferStillLocked 表示尚未到达解锁时间。
	ErrTransferStillLocked = xerrors.New(CodeTransferStillLocked, "transfer is still locked")
	// ErrTransferUnlocked 表示解锁时间已过，发送方不能再撤销。
	ErrTransferUnlocked = xerrors.New(CodeTransferUnlocked, "transfer already unlocked")
	// ErrTransferExpired 表示领取窗口已关闭。
	ErrTransferExpired = xerrors.New(CodeTransferExpired, "transfer expired")
	// ErrTransferNotExpired 表示尚未到达过期时间。
	ErrTransferNotExpired = xerrors.New(CodeTransferNotExpired, "transfer not expired")
	// ErrNotSender 表示调用方不是转账发送人。
	ErrNotSender = xerrors.New(xerrors.CodeNotAuthorized, "caller is not the sender")
	// ErrNotRecipient 表示调用方不是转账接收人。
	ErrNotRecipient = xerrors.New(xerrors.CodeNotAuthorized, "caller is not the recipient")
	// ErrNotGuardian 表示调用方没有守护人权限。
	ErrNotGuardian = xerrors.New(xerrors.CodeNotAuthorized, "caller is not a guardian")
	// ErrNotController 表示调用方不持有账本的管理权。
	ErrNotController = xerrors.New(xerrors.CodeNotAuthorized, "caller is not the controller")
	// ErrLedgerPaused 表示账本处于暂停状态。
	ErrLedgerPaused = xerrors.New(xerrors.CodePaused, "ledger is paused")
	// ErrInsufficientPool 表示保险池余额不足以支付赔付。
	ErrInsufficientPool = xerrors.New(xerrors.CodeInsufficientFunds, "insurance pool balance too low")
)

const (
	CodeTransferValidation  xerrors.Code = "TRANSFER_VALIDATION_FAILED"
	CodeTransferNotFound    xerrors.Code = "TRANSFER_NOT_FOUND"
	CodeTransferNotPending  xerrors.Code = "TRANSFER_NOT_PENDING"
	CodeTransferStillLocked xerrors.Code = "TRANSFER_STILL_LOCKED"
	CodeTransferUnlocked    xerrors.Code = "TRANSFER_ALREADY_UNLOCKED"
	CodeTransferExpired     xerrors.Code = "TRANSFER_EXPIRED"
	CodeTransferNotExpired  xerrors.Code = "TRANSFER_NOT_EXPIRED"
)

func init() {
	xerrors.Register(CodeTransferValidation, xerrors.Attributes{
		Message:   "transfer validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferNotFound, xerrors.Attributes{
		Message:   "transfer not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferNotPending, xerrors.Attributes{
		Message:   "transfer is not pending",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferStillLocked, xerrors.Attributes{
		Message:   "transfer is still locked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferUnlocked, xerrors.Attributes{
		Message:   "transfer already unlocked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferExpired, xerrors.Attributes{
		Message:   "transfer expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferNotExpired, xerrors.Attributes{
		Message:   "transfer not expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
