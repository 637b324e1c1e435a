package guardian

import (
	"context"
	"sort"
	"sync"

	xerrors "Reverso-Core/internal/errors"
)

// MemoryActionStore 以内存方式保存特权操作，用于测试与单机运行。
type MemoryActionStore struct {
	mu      sync.RWMutex
	actions map[uint64]*Action
	nextID  uint64
}

// NewMemoryActionStore 创建 MemoryActionStore。
func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{
		actions: make(map[uint64]*Action),
		nextID:  1,
	}
}

// Create 分配单调递增的 ID 并保存操作记录。
func (m *MemoryActionStore) Create(_ context.Context, a *Action) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID
	m.nextID++
	m.actions[a.ID] = a.Clone()
	return nil
}

// Get 返回指定操作的拷贝。
func (m *MemoryActionStore) Get(_ context.Context, id uint64) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return a.Clone(), nil
}

// Update 覆盖写回操作记录。
func (m *MemoryActionStore) Update(_ context.Context, a *Action) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; !ok {
		return ErrActionNotFound
	}
	m.actions[a.ID] = a.Clone()
	return nil
}

// ListOpen 返回尚未进入终态的操作，按 ID 升序。
func (m *MemoryActionStore) ListOpen(_ context.Context) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Action
	for _, a := range m.actions {
		if a.Status == ActionPending || a.Status == ActionConfirmed {
			results = append(results, a.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryActionStore) Close() error {
	return nil
}

var _ ActionStore = (*MemoryActionStore)(nil)
