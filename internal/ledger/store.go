package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceKind 区分账本维护的三类资金口径。
type BalanceKind string

const (
	// BalanceLocked 是每种资产上所有 Pending 转账净额之和。
	BalanceLocked BalanceKind = "locked"
	// BalanceInsurancePool 是保费累积形成的保险池，赔付时扣减。
	BalanceInsurancePool BalanceKind = "insurance_pool"
	// BalanceTreasuryFees 是累计收取的手续费，只增不减（手续费在创建时即时外付）。
	BalanceTreasuryFees BalanceKind = "treasury_fees"
)

// Store 抽象了转账记录与资金口径的持久化接口。
// Transition 必须以 CAS 语义实现：当前状态不等于 from 时返回状态错误，
// 这是单向状态机在存储层的最后一道防线。
//
// 记录与资金口径必须同生共死：Create 在同一事务内写入转账并记入
// 锁定额、手续费、保费；Transition 在同一事务内落账终态并扣减锁定额。
// 任何中途失败都不能留下只改了一半的口径。
type Store interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id uint64) (*Transfer, error)
	Transition(ctx context.Context, id uint64, from, to Status, reason string, settledAt int64) (*Transfer, error)
	ListBySender(ctx context.Context, sender common.Address) ([]*Transfer, error)
	ListByRecipient(ctx context.Context, recipient common.Address) ([]*Transfer, error)
	ListExpiredPending(ctx context.Context, asOf int64, limit int) ([]uint64, error)
	AdjustBalance(ctx context.Context, kind BalanceKind, asset common.Address, delta *big.Int) (*big.Int, error)
	Balance(ctx context.Context, kind BalanceKind, asset common.Address) (*big.Int, error)
	Close() error
}
