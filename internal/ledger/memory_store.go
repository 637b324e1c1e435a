package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
)

type balanceKey struct {
	kind  BalanceKind
	asset common.Address
}

// MemoryStore 以内存方式保存转账与资金口径，主要用于测试与单机运行。
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[uint64]*Transfer
	balances  map[balanceKey]*big.Int
	nextID    uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[uint64]*Transfer),
		balances:  make(map[balanceKey]*big.Int),
		nextID:    1,
	}
}

// Create 分配单调递增的 ID、保存转账并在同一把锁内记入三个资金口径。
// ID 永不复用。
func (m *MemoryStore) Create(_ context.Context, t *Transfer) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID
	m.nextID++
	m.transfers[t.ID] = t.Clone()

	m.adjustLocked(BalanceLocked, t.Asset, t.NetAmount)
	m.adjustLocked(BalanceTreasuryFees, t.Asset, t.Fee)
	if t.HasInsurance && t.Premium != nil && t.Premium.Sign() > 0 {
		m.adjustLocked(BalanceInsurancePool, t.Asset, t.Premium)
	}
	return nil
}

// Get 返回指定转账的拷贝。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return t.Clone(), nil
}

// Transition 以 CAS 语义执行状态迁移，并在同一把锁内扣减锁定额。
func (m *MemoryStore) Transition(_ context.Context, id uint64, from, to Status, reason string, settledAt int64) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if t.Status != from {
		return nil, ErrTransferNotPending
	}
	key := balanceKey{kind: BalanceLocked, asset: t.Asset}
	current := m.balances[key]
	if current == nil || current.Cmp(t.NetAmount) < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "锁定额不足")
	}
	t.Status = to
	t.StatusReason = reason
	t.SettledAt = settledAt
	m.balances[key] = new(big.Int).Sub(current, t.NetAmount)
	return t.Clone(), nil
}

// ListBySender 返回某地址发起的全部转账，按 ID 升序。
func (m *MemoryStore) ListBySender(_ context.Context, sender common.Address) ([]*Transfer, error) {
	return m.listBy(func(t *Transfer) bool { return t.Sender == sender }), nil
}

// ListByRecipient 返回某地址接收的全部转账，按 ID 升序。
func (m *MemoryStore) ListByRecipient(_ context.Context, recipient common.Address) ([]*Transfer, error) {
	return m.listBy(func(t *Transfer) bool { return t.Recipient == recipient }), nil
}

func (m *MemoryStore) listBy(match func(*Transfer) bool) []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Transfer
	for _, t := range m.transfers {
		if match(t) {
			results = append(results, t.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// ListExpiredPending 返回已过期但仍处于 Pending 的转账 ID。
func (m *MemoryStore) ListExpiredPending(_ context.Context, asOf int64, limit int) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uint64
	for id, t := range m.transfers {
		if t.Status == StatusPending && asOf >= t.ExpiresAt {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// AdjustBalance 对指定口径加减余额。结果为负时拒绝且不落账。
func (m *MemoryStore) AdjustBalance(_ context.Context, kind BalanceKind, asset common.Address, delta *big.Int) (*big.Int, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "delta 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{kind: kind, asset: asset}
	current := m.balances[key]
	if current == nil {
		current = big.NewInt(0)
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "余额不足")
	}
	m.balances[key] = next
	return new(big.Int).Set(next), nil
}

// adjustLocked 在已持有写锁的前提下累加余额，仅供 Create 使用。
func (m *MemoryStore) adjustLocked(kind BalanceKind, asset common.Address, delta *big.Int) {
	if delta == nil || delta.Sign() == 0 {
		return
	}
	key := balanceKey{kind: kind, asset: asset}
	current := m.balances[key]
	if current == nil {
		current = big.NewInt(0)
	}
	m.balances[key] = new(big.Int).Add(current, delta)
}

// Balance 返回指定口径的当前余额。
func (m *MemoryStore) Balance(_ context.Context, kind BalanceKind, asset common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current := m.balances[balanceKey{kind: kind, asset: asset}]
	if current == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
